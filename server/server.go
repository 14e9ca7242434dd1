// Package server maps HTTP requests onto workflow intents and renders the outcomes: status codes,
// the session cookie and static files.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/federatedrp"
)

const (
	routeIndex            = "/"
	routeRedirectURI      = "/redirect_uri"
	routeRedirectCallback = "/redirect_callback"
	routeRoles            = "/api/roles"
	routeState            = "/api/state"
	routeHeartbeat        = "/api/heartbeat"
	routeShutdown         = "/shutdown"
	routeMetrics          = "/metrics"
	routeHealthz          = "/healthz"

	indexFile = "index.html"

	contentType     = "Content-Type"
	contentTypeJSON = "application/json"
	contentTypeHTML = "text/html"
	cacheControl    = "Cache-Control"

	maxBodySize = 64 << 10

	// cookieChunkSize keeps every session cookie, attributes included, below the 4096 byte
	// browser limit.
	cookieChunkSize = 3800
	maxCookieChunks = (federatedrp.MaxEncodedLength + cookieChunkSize - 1) / cookieChunkSize

	tracerName = "github.com/hupe1980/federatedrp/server"
)

// Handler runs workflow intents. *federatedrp.Workflow implements it.
type Handler interface {
	Handle(ctx context.Context, req federatedrp.Request, s *federatedrp.Session) (federatedrp.Outcome, *federatedrp.Session)
}

// Options configures the Server.
type Options struct {
	// Static holds the single page application. index.html is served for the landing page.
	Static fs.FS

	// Gatherer is exposed on /metrics when set.
	Gatherer prometheus.Gatherer

	// InsecureCookies drops the Secure attribute, for local development over plain HTTP.
	InsecureCookies bool
}

// Server represents the HTTP adapter of the relying party.
type Server struct {
	workflow Handler
	codec    *federatedrp.SessionCodec
	router   *chi.Mux
	opts     Options
}

// New returns a new server.
func New(workflow Handler, codec *federatedrp.SessionCodec, optFns ...func(o *Options)) *Server {
	opts := Options{}

	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Server{
		workflow: workflow,
		codec:    codec,
		opts:     opts,
	}

	s.createRouter()

	return s
}

// ServeHTTP implements http.Handler and turns the Server type into a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter() {
	s.router = chi.NewRouter()

	s.router.Use(middleware.Heartbeat(routeHealthz))
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(otelchi.Middleware(tracerName, otelchi.WithChiRoutes(s.router)))
	s.router.Use(requestLogger)

	s.router.Get(routeIndex, s.getIndex)
	s.router.Get(routeRedirectURI, s.getRedirectURI)
	s.router.Post(routeRedirectCallback, s.postRedirectCallback)
	s.router.Get(routeRoles, s.getRoles)
	s.router.Post(routeRoles, s.postRoles)
	s.router.Get(routeState, s.getState)
	s.router.Get(routeHeartbeat, s.getHeartbeat)
	s.router.Get(routeShutdown, s.shutdown)
	s.router.Post(routeShutdown, s.shutdown)

	if s.opts.Gatherer != nil {
		s.router.Method(http.MethodGet, routeMetrics, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.MethodNotAllowed(s.methodNotAllowed)
	s.router.NotFound(s.static)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()

		span := trace.SpanFromContext(r.Context())

		log := zerolog.Ctx(r.Context()).With().
			Str("method", r.Method).
			Str("request-uri", r.URL.Path).
			Str("from", r.RemoteAddr).
			Logger()

		if span.SpanContext().HasTraceID() {
			log = log.
				With().
				Str("trace-id", span.SpanContext().TraceID().String()).
				Logger()
		}

		if span.SpanContext().HasSpanID() {
			log = log.
				With().
				Str("span-id", span.SpanContext().SpanID().String()).
				Logger()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			log.Info().
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Int("bytes", ww.BytesWritten()).
				Msg("handled request")
		}()

		// embed the modified logger in the request.
		r = r.WithContext(log.WithContext(r.Context()))

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := federatedrp.Request{
		Intent:   federatedrp.IntentStart,
		Action:   federatedrp.Action(q.Get("action")),
		Referer:  r.Referer(),
		SourceIP: sourceIP(r),
		Role: federatedrp.RoleReference{
			ARN:   q.Get("role_arn"),
			Name:  q.Get("role"),
			Alias: q.Get("account"),
		},
	}

	if v := q.Get("cache"); v != "" {
		req.BypassCache = !strings.EqualFold(v, "true")
	}

	if v := q.Get("session_duration"); v != "" {
		d, err := strconv.ParseInt(v, 10, 32)
		if err != nil || d <= 0 {
			writeText(w, http.StatusBadRequest, federatedrp.MessageInvalidRequest)
			return
		}

		req.SessionDuration = int32(d)
	}

	s.handle(w, r, req)
}

func (s *Server) getRedirectURI(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, federatedrp.Request{Intent: federatedrp.IntentLanding})
}

func (s *Server) postRedirectCallback(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, federatedrp.Request{
		Intent:   federatedrp.IntentCallback,
		Callback: parseCallback(r),
		SourceIP: sourceIP(r),
	})
}

func (s *Server) getRoles(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, federatedrp.Request{Intent: federatedrp.IntentListRoles})
}

func (s *Server) postRoles(w http.ResponseWriter, r *http.Request) {
	var ref federatedrp.RoleReference

	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&ref); err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("invalid data posted to role picker")

		writeText(w, http.StatusForbidden, federatedrp.MessageInvalidPostData)

		return
	}

	s.handle(w, r, federatedrp.Request{
		Intent:   federatedrp.IntentPickRole,
		Role:     ref,
		SourceIP: sourceIP(r),
	})
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, federatedrp.Request{Intent: federatedrp.IntentQueryState})
}

func (s *Server) getHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, federatedrp.Request{Intent: federatedrp.IntentHeartbeat})
}

func (s *Server) shutdown(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, federatedrp.Request{Intent: federatedrp.IntentFinish})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// static serves files of the single page application, or 404.
func (s *Server) static(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")

	if s.opts.Static == nil || name == "" || !fs.ValidPath(name) {
		writeText(w, http.StatusNotFound, "Not Found")
		return
	}

	data, err := fs.ReadFile(s.opts.Static, name)
	if err != nil {
		zerolog.Ctx(r.Context()).Debug().Str("path", name).Msg("path not found")
		writeText(w, http.StatusNotFound, "Not Found")

		return
	}

	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		ct = http.DetectContentType(data)
	}

	w.Header().Set(contentType, ct)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error writing the response")
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request, req federatedrp.Request) {
	session := s.readSession(r)

	out, next := s.workflow.Handle(r.Context(), req, session)

	if out.SetCookie && next != nil {
		if err := s.writeSession(w, r, next, out.SameSite); err != nil {
			zerolog.Ctx(r.Context()).
				Error().
				Err(err).
				Msg("error encoding the session cookie")

			writeText(w, http.StatusInternalServerError, federatedrp.MessageError)

			return
		}
	}

	switch out.Kind {
	case federatedrp.OutcomeRedirect:
		w.Header().Set(contentType, contentTypeHTML)
		w.Header().Set(cacheControl, "max-age=0")
		w.Header().Set("Location", out.Location)
		w.WriteHeader(http.StatusFound)
		_, _ = io.WriteString(w, "Redirecting to identity provider")
	case federatedrp.OutcomePage:
		s.page(w, r)
	case federatedrp.OutcomeJSON:
		writeJSON(w, r, out.Body)
	case federatedrp.OutcomeRejected:
		writeText(w, out.Status, out.Message)
	default:
		writeText(w, http.StatusInternalServerError, federatedrp.MessageError)
	}
}

func (s *Server) page(w http.ResponseWriter, r *http.Request) {
	if s.opts.Static == nil {
		writeText(w, http.StatusNotFound, "Not Found")
		return
	}

	data, err := fs.ReadFile(s.opts.Static, indexFile)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error reading the landing page")
		writeText(w, http.StatusNotFound, "Not Found")

		return
	}

	w.Header().Set(contentType, contentTypeHTML)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// readSession joins the session cookie chunks and decodes them. An absent or invalid session
// yields nil.
func (s *Server) readSession(r *http.Request) *federatedrp.Session {
	var value strings.Builder

	for i := range maxCookieChunks {
		cookie, err := r.Cookie(chunkName(s.codec.Name(), i))
		if err != nil {
			break
		}

		value.WriteString(cookie.Value)
	}

	if value.Len() == 0 {
		return nil
	}

	session, ok := s.codec.Decode(value.String())
	if !ok {
		zerolog.Ctx(r.Context()).Debug().Msg("ignoring invalid session cookie")
		return nil
	}

	return session
}

// writeSession encodes session into as many cookies as it needs and expires chunks left over
// from a larger previous session.
func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, session *federatedrp.Session, sameSite http.SameSite) error {
	value, err := s.codec.Encode(session)
	if err != nil {
		return err
	}

	chunks := splitValue(value, cookieChunkSize)
	if len(chunks) > maxCookieChunks {
		return fmt.Errorf("session needs %d cookies, at most %d are allowed", len(chunks), maxCookieChunks)
	}

	maxAge := int(s.codec.MaxAge() / time.Second)

	for i, chunk := range chunks {
		http.SetCookie(w, s.cookie(chunkName(s.codec.Name(), i), chunk, maxAge, sameSite))
	}

	for i := len(chunks); i < maxCookieChunks; i++ {
		name := chunkName(s.codec.Name(), i)
		if _, err := r.Cookie(name); err == nil {
			http.SetCookie(w, s.cookie(name, "", -1, sameSite))
		}
	}

	return nil
}

func (s *Server) cookie(name, value string, maxAge int, sameSite http.SameSite) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   !s.opts.InsecureCookies,
		HttpOnly: true,
		SameSite: sameSite,
	}
}

// chunkName returns the cookie name of chunk i. The first chunk keeps the plain name.
func chunkName(name string, i int) string {
	if i == 0 {
		return name
	}

	return name + "_" + strconv.Itoa(i)
}

func splitValue(value string, size int) []string {
	chunks := make([]string, 0, len(value)/size+1)

	for len(value) > size {
		chunks = append(chunks, value[:size])
		value = value[size:]
	}

	return append(chunks, value)
}

// parseCallback reads the callback parameters from a JSON or form encoded body. An unreadable
// body becomes an invalid_request error so the workflow denies it.
func parseCallback(r *http.Request) federatedrp.CallbackParams {
	var p federatedrp.CallbackParams

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get(contentType))
	if mediaType == contentTypeJSON {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&p); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("unable to parse callback body")
			return federatedrp.CallbackParams{Error: "invalid_request"}
		}

		return p
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("unable to parse callback body")
		return federatedrp.CallbackParams{Error: "invalid_request"}
	}

	return federatedrp.CallbackParams{
		State:            r.Form.Get("state"),
		Code:             r.Form.Get("code"),
		Error:            r.Form.Get("error"),
		ErrorDescription: r.Form.Get("error_description"),
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, body any) {
	w.Header().Set(contentType, contentTypeJSON)
	w.Header().Set(cacheControl, "max-age=0")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error writing the response")
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set(contentType, contentTypeHTML)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

var _ Handler = (*federatedrp.Workflow)(nil)

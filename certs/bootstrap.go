package certs

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dotside-studios/tagengine/buildinfo"
)

// BootstrapServer serves the CA certificate over plain HTTP so a phone can
// trust it before talking to the HTTPS API.
type BootstrapServer struct {
	manager    *Manager
	port       int
	hosts      func() ([]string, error)
	httpServer *http.Server
	logger     *slog.Logger
}

// NewBootstrapServer returns a server for manager's CA on port.
func NewBootstrapServer(manager *Manager, port int, logger *slog.Logger) *BootstrapServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BootstrapServer{
		manager: manager,
		port:    port,
		hosts:   manager.hosts,
		logger:  logger,
	}
}

// Handler returns the bootstrap routes.
func (s *BootstrapServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ca.pem", s.handleCACert)
	r.Get("/ca.crt", s.handleCACert)
	r.Get("/", s.handleInstructions)
	return r
}

// Start listens in the background until Stop.
func (s *BootstrapServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("bootstrap listen: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	attrs := []any{"url", fmt.Sprintf("http://localhost:%d/ca.pem", s.port)}
	if fp, err := s.manager.CAFingerprint(); err == nil {
		attrs = append(attrs, "ca_sha256", fp)
	}
	s.logger.Info("ca bootstrap server listening", attrs...)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ca bootstrap server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *BootstrapServer) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("ca bootstrap shutdown failed", "error", err)
	}
}

func (s *BootstrapServer) handleCACert(w http.ResponseWriter, r *http.Request) {
	ca, err := s.manager.ReadCACert()
	if err != nil {
		http.Error(w, "CA certificate not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="nfc-engine-ca.pem"`)
	w.Write(ca)
	s.logger.Info("ca certificate downloaded", "remote", r.RemoteAddr)
}

var instructionsPage = template.Must(template.New("instructions").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Name}} - Install CA Certificate</title>
</head>
<body>
<h1>Install CA Certificate</h1>
<p>Install this certificate authority to reach {{.Name}} over HTTPS.</p>
<p><a href="/ca.pem">Download CA Certificate</a></p>
<p>Check that the fingerprint matches the one in the {{.Name}} logs before trusting it.</p>
<pre>{{.Fingerprint}}</pre>
<h2>iOS</h2>
<ol>
<li>Download the certificate and open Settings, Profile Downloaded.</li>
<li>Install it, then enable it under General, About, Certificate Trust Settings.</li>
</ol>
<h2>Android</h2>
<ol>
<li>Download the certificate.</li>
<li>Open Settings, Security, Encryption &amp; credentials, Install a certificate, CA certificate.</li>
</ol>
<h2>Download URLs</h2>
<ul>{{range .URLs}}<li>{{.}}</li>{{end}}</ul>
</body>
</html>
`))

func (s *BootstrapServer) handleInstructions(w http.ResponseWriter, _ *http.Request) {
	fp, err := s.manager.CAFingerprint()
	if err != nil {
		fp = "unavailable"
	}
	hosts, _ := s.hosts()

	data := struct {
		Name        string
		Fingerprint string
		URLs        []string
	}{
		Name:        buildinfo.DisplayName,
		Fingerprint: fp,
		URLs:        caURLs(hosts, s.port),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := instructionsPage.Execute(w, data); err != nil {
		s.logger.Warn("rendering bootstrap page failed", "error", err)
	}
}

// caURLs lists the download URL for localhost and every IP host.
func caURLs(hosts []string, port int) []string {
	urls := []string{fmt.Sprintf("http://localhost:%d/ca.pem", port)}
	for _, h := range hosts {
		if h == "localhost" || h == "127.0.0.1" || net.ParseIP(h) == nil {
			continue
		}
		urls = append(urls, fmt.Sprintf("http://%s:%d/ca.pem", h, port))
	}
	return urls
}

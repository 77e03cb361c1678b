package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"uploadproxy/internal/auth"
	"uploadproxy/internal/proxy"
	"uploadproxy/internal/storage"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// splitCSV breaks a comma-separated value into trimmed, non-empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func Run(ctx context.Context) error {

	listen := flag.String("listen", getenv("BACKEND_PORT", "3000"), "HTTP listen port")
	issuerURL := flag.String("issuer-url", getenv("KEYCLOAK_URL", ""), "identity provider base URL")
	realm := flag.String("realm", getenv("KEYCLOAK_REALM", "upload-realm"), "identity provider realm")
	audiences := flag.String("audiences", getenv("JWT_AUDIENCE", "account,upload-client"), "accepted token audiences (comma-separated)")
	origins := flag.String("allowed-origins", getenv("ALLOWED_ORIGINS", "http://localhost:8000,http://127.0.0.1:8000"), "allowed CORS origins (comma-separated)")
	maxUpload := flag.Int64("max-upload-bytes", getenvInt64("MAX_UPLOAD_BYTES", proxy.DefaultMaxUploadBytes), "maximum upload size in bytes")
	uploadDir := flag.String("upload-dir", getenv("UPLOAD_DIR", "./uploads"), "directory to store uploaded files")
	metadataDB := flag.String("metadata-db", getenv("METADATA_DB", ""), "path of the audit database (defaults to uploads.sqlite under the upload dir)")
	jwksMaxAge := flag.Duration("jwks-max-age", getenvDuration("JWKS_MAX_AGE", 0), "force a signing-key refresh after this age (0 disables)")
	backend := flag.String("storage-backend", getenv("STORAGE_BACKEND", "local"), "storage backend: local or s3")
	s3Endpoint := flag.String("s3-endpoint", getenv("S3_ENDPOINT", ""), "S3 endpoint (s3 backend)")
	s3Bucket := flag.String("s3-bucket", getenv("S3_BUCKET", "uploads"), "S3 bucket (s3 backend)")
	s3AccessKey := flag.String("s3-access-key", getenv("S3_ACCESS_KEY", ""), "S3 access key (s3 backend)")
	s3SecretKey := flag.String("s3-secret-key", getenv("S3_SECRET_KEY", ""), "S3 secret key (s3 backend)")
	s3Secure := flag.Bool("s3-secure", getenv("S3_SECURE", "true") == "true", "use TLS for the S3 endpoint")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	if *issuerURL == "" {
		return errors.New("issuer URL must be set (KEYCLOAK_URL or -issuer-url)")
	}

	// Ensure the upload directory is absolute for easier debugging.
	absUploadDir, err := filepath.Abs(*uploadDir)
	if err != nil {
		return fmt.Errorf("failed to resolve upload directory: %w", err)
	}

	var resolverOpts []auth.ResolverOption
	if *jwksMaxAge > 0 {
		resolverOpts = append(resolverOpts, auth.WithMaxKeyAge(*jwksMaxAge))
	}

	jwksURL := auth.JWKSURL(*issuerURL, *realm)
	slog.Info("Using signing key endpoint", "url", jwksURL)

	validator := &auth.Validator{
		Keys:      auth.NewResolver(jwksURL, resolverOpts...),
		Issuer:    fmt.Sprintf("%s/realms/%s", strings.TrimRight(*issuerURL, "/"), *realm),
		Audiences: splitCSV(*audiences),
	}

	var engine storage.Engine
	switch *backend {
	case "local":
		// The proxy server defaults to a local engine rooted at the upload
		// directory; nothing to build here.
	case "s3":
		engine, err = storage.NewS3Engine(ctx, storage.S3Config{
			Endpoint:  *s3Endpoint,
			Bucket:    *s3Bucket,
			AccessKey: *s3AccessKey,
			SecretKey: *s3SecretKey,
			Secure:    *s3Secure,
		})
		if err != nil {
			return fmt.Errorf("failed to create s3 storage engine: %w", err)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", *backend)
	}

	server, err := proxy.NewServer(ctx, proxy.Config{
		StorageRoot:    absUploadDir,
		MetadataDB:     *metadataDB,
		MaxUploadBytes: *maxUpload,
		AllowedOrigins: splitCSV(*origins),
		Engine:         engine,
		Validator:      validator,
	})
	if err != nil {
		return fmt.Errorf("failed to create upload proxy server: %w", err)
	}

	defer server.Close()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", *listen),
		Handler: server.Handler(),
		// No ReadTimeout/WriteTimeout: large uploads over slow links are
		// expected to take a while. Header reads stay bounded.
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting upload proxy server", "port", *listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Upload proxy started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Upload proxy exited with error", "error", err)
		os.Exit(1)
	}
}

// owftpd serves a device property tree read-only over FTP.
//
// Configuration comes from the environment, see GetEnv. A status endpoint with
// health, Prometheus metrics and an HTML tree view is started when METRICS_ADDR is set.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/telebroad/owftpd/filesystem"
	"github.com/telebroad/owftpd/ftp"
	"github.com/telebroad/owftpd/httphandler"
	"github.com/telebroad/owftpd/keys"
)

func main() {
	// setting up the slog logger
	logger := setupLogger()
	slog.SetDefault(logger)

	env, err := GetEnv(logger)
	if err != nil {
		logger.Error("Error getting environment", "error", err)
		os.Exit(1)
	}
	if err := run(env, logger); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(env *Environment, logger *slog.Logger) error {
	fsys, closeFS, err := newBackend(env, logger)
	if err != nil {
		return err
	}
	defer closeFS()

	options := []ftp.Option{
		ftp.WithLogger(logger.With("module", "ftp-server")),
		ftp.WithIdleTimeout(env.IdleTimeout),
	}
	if env.PasvMinPort > 0 || env.PasvMaxPort > 0 {
		options = append(options, ftp.WithPassivePortRange(env.PasvMinPort, env.PasvMaxPort))
	}
	var reg *prometheus.Registry
	if env.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		options = append(options, ftp.WithMetrics(reg))
	}

	ftpServer, err := ftp.NewServer(env.FtpAddr, fsys, options...)
	if err != nil {
		return fmt.Errorf("error creating ftp server: %w", err)
	}
	ftpServer.DataTimeout = env.DataTimeout
	ftpServer.MaxConnections = env.MaxConnections
	if env.Welcome != "" {
		ftpServer.Welcome = env.Welcome
	}

	// setting the public server ip for passive mode
	publicIP, err := resolvePublicIP(env.PublicIPv4)
	if err != nil {
		return err
	}
	if err := ftpServer.SetPublicServerIPv4(publicIP); err != nil {
		return err
	}

	// try is the same of listen and serve but with a timeout if no error is returned it returns nil
	if err := ftpServer.TryListenAndServe(time.Second); err != nil {
		return fmt.Errorf("error starting ftp server: %w", err)
	}
	logger.Info("FTP server started", "addr", ftpServer.ListenAddr().String(), "backend", env.Backend)

	var statusServer *httphandler.Server
	if env.MetricsAddr != "" {
		handler := httphandler.NewStatusHandler(fsys, reg, ftpServer.Sessions)
		handler.SetLogger(logger.With("module", "http-status"))
		statusServer = &httphandler.Server{Server: &http.Server{
			Addr:              env.MetricsAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}}
		if err := statusServer.TryListenAndServe(time.Second); err != nil {
			logger.Error("Error starting status server", "error", err)
			statusServer = nil
		} else {
			logger.Info("Status server started", "addr", env.MetricsAddr)
		}
	}

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeoutCause(context.Background(), 5*time.Second, errors.New("shutdown timed out"))
	defer cancel()
	var result *multierror.Error
	if err := ftpServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if statusServer != nil {
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func setupLogger() *slog.Logger {
	logLevel := slog.LevelInfo
	AddSource := false
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		logLevel = slog.LevelDebug
		AddSource = true
	case "INFO":
		logLevel = slog.LevelInfo
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	}

	handler := tint.NewHandler(os.Stdout, &tint.Options{
		AddSource:  AddSource,
		Level:      logLevel,
		TimeFormat: time.DateTime,
	})

	logger := slog.New(handler).With("app", "owftpd")
	logger.Info("Logger initialized", "level", logLevel)
	return logger
}

// resolvePublicIP turns FTP_PUBLIC_IPV4 into an address; "auto" asks PublicIpUrl.
func resolvePublicIP(v string) (string, error) {
	if v != "auto" {
		return v, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ip, err := ftp.GetServerPublicIP(ctx, "")
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}

// newBackend opens the backing store selected by env.Backend. The returned
// func releases it.
func newBackend(env *Environment, logger *slog.Logger) (filesystem.FS, func(), error) {
	noop := func() {}
	switch env.Backend {
	case "memory":
		fsys := filesystem.NewDeviceTreeFS()
		fsys.BinaryPatterns = env.BinaryPatterns
		return fsys, noop, nil
	case "local":
		if _, err := os.Stat(env.FtpServerRoot); err != nil {
			return nil, nil, fmt.Errorf("error opening FTP_SERVER_ROOT: %w", err)
		}
		fsys := filesystem.NewLocalFS(env.FtpServerRoot)
		fsys.BinaryPatterns = env.BinaryPatterns
		return fsys, noop, nil
	case "sftp":
		cfg, err := sftpConfig(env)
		if err != nil {
			return nil, nil, err
		}
		cfg.Logger = logger.With("module", "sftp-backend")
		fsys, err := filesystem.DialSFTP(cfg)
		if err != nil {
			return nil, nil, err
		}
		fsys.BinaryPatterns = env.BinaryPatterns
		logger.Info("Connected to SFTP backend", "addr", cfg.Addr, "base", cfg.BaseDir)
		return fsys, func() {
			if err := fsys.Close(); err != nil {
				logger.Warn("Error closing SFTP backend", "error", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown FTP_BACKEND %q", env.Backend)
}

// sftpConfig builds the connection settings from SFTP_URL (sftp://[user[:pass]@]host[:port]/base)
// and the SFTP_* credentials, which take precedence over the URL's.
func sftpConfig(env *Environment) (filesystem.SFTPConfig, error) {
	u, err := url.Parse(env.SftpURL)
	if err != nil {
		return filesystem.SFTPConfig{}, fmt.Errorf("error parsing SFTP_URL: %w", err)
	}
	if u.Scheme != "sftp" || u.Host == "" {
		return filesystem.SFTPConfig{}, fmt.Errorf("SFTP_URL must look like sftp://host[:port]/dir, got %q", env.SftpURL)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "22")
	}
	cfg := filesystem.SFTPConfig{
		Addr:                  addr,
		Username:              u.User.Username(),
		BaseDir:               u.Path,
		InsecureIgnoreHostKey: env.SftpInsecureHostKey,
	}
	if env.SftpHostFingerprint != "" {
		cfg.HostKeyCallback = keys.PinnedHostKey(env.SftpHostFingerprint)
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "/"
	}
	if p, ok := u.User.Password(); ok {
		cfg.Password = p
	}
	if env.SftpUsername != "" {
		cfg.Username = env.SftpUsername
	}
	if env.SftpPassword != "" {
		cfg.Password = env.SftpPassword
	}
	if env.SftpKeyFile != "" {
		cfg.Signer, err = keys.LoadSigner(env.SftpKeyFile)
		if err != nil {
			return filesystem.SFTPConfig{}, err
		}
	}
	if cfg.Username == "" {
		return filesystem.SFTPConfig{}, errors.New("SFTP backend needs a user name in SFTP_URL or SFTP_USERNAME")
	}
	return cfg, nil
}

// Environment is the environment of the server
type Environment struct {
	FtpAddr        string
	FtpServerRoot  string
	Backend        string
	Welcome        string
	PublicIPv4     string
	IdleTimeout    time.Duration
	DataTimeout    time.Duration
	PasvMinPort    int
	PasvMaxPort    int
	MaxConnections int
	BinaryPatterns []string
	MetricsAddr    string

	SftpURL             string
	SftpUsername        string
	SftpPassword        string
	SftpKeyFile         string
	SftpHostFingerprint string
	SftpInsecureHostKey bool
}

// GetEnv returns a new Environment with the environment variables
func GetEnv(logger *slog.Logger) (env *Environment, err error) {
	env = &Environment{
		FtpAddr:       getEnvDefault("FTP_SERVER_ADDR", ":21"),
		FtpServerRoot: getEnvDefault("FTP_SERVER_ROOT", "/static"),
		Backend:       strings.ToLower(getEnvDefault("FTP_BACKEND", "local")),
		Welcome:       os.Getenv("FTP_WELCOME"),
		PublicIPv4:    os.Getenv("FTP_PUBLIC_IPV4"),
		MetricsAddr:   os.Getenv("METRICS_ADDR"),

		SftpURL:             os.Getenv("SFTP_URL"),
		SftpUsername:        os.Getenv("SFTP_USERNAME"),
		SftpPassword:        os.Getenv("SFTP_PASSWORD"),
		SftpKeyFile:         os.Getenv("SFTP_KEY_FILE"),
		SftpHostFingerprint: os.Getenv("SFTP_HOST_FINGERPRINT"),
	}
	if v := os.Getenv("SFTP_INSECURE_IGNORE_HOST_KEY"); v != "" {
		if env.SftpInsecureHostKey, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("SFTP_INSECURE_IGNORE_HOST_KEY: %w", err)
		}
	}
	if v := os.Getenv("FTP_BINARY_PATTERNS"); v != "" {
		env.BinaryPatterns = filesystem.ParsePatterns(v)
	}

	var result *multierror.Error
	if env.IdleTimeout, err = getEnvDuration("FTP_IDLE_TIMEOUT", ftp.DefaultIdleTimeout); err != nil {
		result = multierror.Append(result, err)
	}
	if env.DataTimeout, err = getEnvDuration("FTP_DATA_TIMEOUT", ftp.DefaultDataTimeout); err != nil {
		result = multierror.Append(result, err)
	}
	if env.PasvMinPort, err = getEnvInt("PASV_MIN_PORT"); err != nil {
		result = multierror.Append(result, err)
	}
	if env.PasvMaxPort, err = getEnvInt("PASV_MAX_PORT"); err != nil {
		result = multierror.Append(result, err)
	}
	if env.MaxConnections, err = getEnvInt("FTP_MAX_CONNECTIONS"); err != nil {
		result = multierror.Append(result, err)
	}
	switch env.Backend {
	case "local", "memory":
	case "sftp":
		if env.SftpURL == "" {
			result = multierror.Append(result, errors.New("FTP_BACKEND=sftp needs SFTP_URL"))
		}
		if env.SftpHostFingerprint == "" && !env.SftpInsecureHostKey {
			result = multierror.Append(result, errors.New("FTP_BACKEND=sftp needs SFTP_HOST_FINGERPRINT or SFTP_INSECURE_IGNORE_HOST_KEY=true"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("FTP_BACKEND must be local, sftp or memory, got %q", env.Backend))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	logger.Debug("FTP_SERVER_ADDR is", "ADDR", env.FtpAddr)
	logger.Debug("FTP_BACKEND is", "backend", env.Backend)
	logger.Debug("FTP_SERVER_ROOT is", "ROOT", env.FtpServerRoot)
	logger.Debug("SFTP_URL is", "url", env.SftpURL, "username", env.SftpUsername)
	logger.Debug("PASV ports are", "min", env.PasvMinPort, "max", env.PasvMaxPort)
	logger.Debug("Timeouts are", "idle", env.IdleTimeout, "data", env.DataTimeout)
	return env, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

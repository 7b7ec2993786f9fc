package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/onebothook/internal/cfg"
	"github.com/simplesurance/onebothook/internal/logfields"
	"github.com/simplesurance/onebothook/internal/onebot"
	"github.com/simplesurance/onebothook/internal/provider/github"
	"github.com/simplesurance/onebothook/internal/relay"
)

const appName = "onebothook"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func registerShutdown(name string, srv *http.Server) {
	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			fmt.Sprintf("terminating %s server", name),
			logfields.Event(name+"_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				fmt.Sprintf("shutting down %s server failed", name),
				logfields.Event(name+"_server_termination_failed"),
				zap.Error(err),
			)
		}
	})
}

func startHTTPSServer(listenAddr string, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: time.Minute,
	}

	registerShutdown("https", &httpsServer)

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: time.Minute,
	}

	registerShutdown("http", &httpServer)

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
	CheckConfig *bool
}

var args arguments

const defConfigFile = "/etc/onebothook/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the onebothook configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
		CheckConfig: pflag.Bool(
			"check-cfg",
			false,
			"validate the configuration file, print the effective configuration and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nReceive GitHub webhook events and relay them as OneBot (QQ) messages.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func mustNewTransport(config *cfg.OneBot) onebot.Transport {
	tokenMode, err := onebot.ParseTokenMode(config.AccessTokenMode)
	exitOnErr("parsing onebot access_token_mode failed", err)

	switch strings.ToLower(config.Protocol) {
	case cfg.ProtocolWebsocket:
		t, err := onebot.NewWSTransport(
			config.URL,
			onebot.WithWSAccessToken(config.AccessToken, tokenMode),
			onebot.WithReconnectBackoff(onebot.DefReconnectInitialInterval, config.ReconnectMaxIntervalDuration()),
		)
		exitOnErr("creating onebot websocket transport failed", err)
		return t

	case cfg.ProtocolHTTP:
		t, err := onebot.NewHTTPTransport(
			config.URL,
			onebot.WithHTTPAccessToken(config.AccessToken, tokenMode),
		)
		exitOnErr("creating onebot http transport failed", err)
		return t

	default:
		exitOnErr("creating onebot transport failed", fmt.Errorf("unsupported protocol: %q", config.Protocol))
		return nil
	}
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	rules, err := relay.RulesFromCfg(config)
	exitOnErr(fmt.Sprintf("could not parse rules from configuration file: %s", *args.ConfigFile), err)

	if *args.CheckConfig {
		fmt.Printf("configuration file %s is valid, rules:\n%s\n", *args.ConfigFile, rules)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.HTTPGithubWebhookEndpoint),
		zap.String("onebot_url", config.OneBot.URL),
		zap.String("onebot_protocol", config.OneBot.Protocol),
		zap.String("onebot_access_token", hide(config.OneBot.AccessToken)),
		zap.String("onebot_access_token_mode", config.OneBot.AccessTokenMode),
		zap.Duration("onebot_send_timeout", config.OneBot.SendTimeoutDuration()),
		zap.Int("onebot_max_retries", config.OneBot.MaxRetries),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
		zap.String("rules", rules.String()),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	dispatcher := onebot.NewDispatcher(
		mustNewTransport(&config.OneBot),
		onebot.WithSendTimeout(config.OneBot.SendTimeoutDuration()),
		onebot.WithRetryer(onebot.NewRetryer(
			onebot.WithMaxRetries(uint(config.OneBot.MaxRetries)),
			onebot.WithBackoffInitialInterval(config.OneBot.RetryInitialIntervalDuration()),
		)),
	)

	if err := dispatcher.Start(context.Background()); err != nil {
		if errors.Is(err, onebot.ErrAuthRejected) {
			logger.Fatal(
				"connecting to onebot server failed, access token was rejected",
				logfields.Event("onebot_connecting_failed"),
				zap.Error(err),
			)
		}

		logger.Warn(
			"connecting to onebot server failed, retrying on next message",
			logfields.Event("onebot_connecting_failed"),
			zap.Stringer("onebot.transport", dispatcher),
			zap.Error(err),
		)
	}

	router := relay.NewRouter(
		rules,
		dispatcher,
		relay.WithMaxParallelSends(config.OneBot.MaxParallelSending),
		relay.WithSendRoutineDeferFunc(panicHandler),
	)

	gh := github.New(router)

	mux := http.NewServeMux()
	mux.HandleFunc(config.HTTPGithubWebhookEndpoint, gh.HTTPHandler)
	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.HTTPGithubWebhookEndpoint),
	)

	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug(
			"closing onebot connection",
			logfields.Event("onebot_dispatcher_closing"),
		)

		if err := dispatcher.Close(); err != nil {
			logger.Warn(
				"closing onebot connection failed",
				logfields.Event("onebot_dispatcher_closing_failed"),
				zap.Error(err),
			)
		}
	})

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			mux,
		)
	}

	select {}
}

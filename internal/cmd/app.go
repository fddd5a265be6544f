package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/gorws/internal/config"
	"github.com/3leaps/gorws/internal/server/handlers"
	"github.com/3leaps/gorws/pkg/auth"
	"github.com/3leaps/gorws/pkg/dispatch"
	"github.com/3leaps/gorws/pkg/functions"
	"github.com/3leaps/gorws/pkg/functions/stock"
	"github.com/3leaps/gorws/pkg/functions/storage"
	"github.com/3leaps/gorws/pkg/jobtable"
	"github.com/3leaps/gorws/pkg/notify"
	"github.com/3leaps/gorws/pkg/registry"
)

// app holds the components serve wires together.
type app struct {
	registry   *registry.Registry
	report     *registry.LoadReport
	engine     *dispatch.Engine
	authorizer auth.Authorizer
	gateway    *handlers.Gateway
}

// newCatalog returns the built-in capabilities with storage and quote
// defaults taken from cfg.
func newCatalog(cfg *config.Config) *registry.Catalog {
	return functions.NewCatalog(functions.Options{
		Storage: storage.Config{
			Region:         cfg.Storage.Region,
			Endpoint:       cfg.Storage.Endpoint,
			Profile:        cfg.Storage.Profile,
			ForcePathStyle: cfg.Storage.ForcePathStyle,
		},
		Stock: stock.Config{
			Endpoint: cfg.Quotes.Endpoint,
			Timeout:  cfg.Quotes.Timeout,
		},
	})
}

// loadRegistry seeds the default-named built-ins and then applies the
// manifests found under dirs. Manifest entries override built-ins.
func loadRegistry(ctx context.Context, cfg *config.Config, dirs []string, logger *zap.Logger) (*registry.Registry, *registry.LoadReport, error) {
	catalog := newCatalog(cfg)
	reg := registry.New()
	if err := reg.Seed(catalog); err != nil {
		return nil, nil, fmt.Errorf("seed built-in functions: %w", err)
	}
	report, err := reg.Load(ctx, catalog, dirs, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load function manifests: %w", err)
	}
	return reg, report, nil
}

// newNotifiers builds the MAIL and SMS notifiers. Both are always present;
// missing credentials surface as notify.ErrNotConfigured at send time.
func newNotifiers(cfg *config.Config, logger *zap.Logger) map[dispatch.Mode]notify.Notifier {
	mail := notify.NewMailNotifier(notify.MailConfig{
		Host:     cfg.Notify.Mail.Host,
		Port:     cfg.Notify.Mail.Port,
		Sender:   cfg.Notify.Mail.Sender,
		Password: cfg.Notify.Mail.Password,
	}, logger.Named("mail"))

	sms := notify.NewSMSNotifier(notify.SMSConfig{
		AccountSID: cfg.Notify.SMS.AccountSID,
		AuthToken:  cfg.Notify.SMS.AuthToken,
		From:       cfg.Notify.SMS.From,
		BaseURL:    cfg.Notify.SMS.BaseURL,
	}, logger.Named("sms"))

	return map[dispatch.Mode]notify.Notifier{
		dispatch.ModeMail: notify.Throttle(mail, cfg.Notify.Rate, cfg.Notify.Burst, logger),
		dispatch.ModeSMS:  notify.Throttle(sms, cfg.Notify.Rate, cfg.Notify.Burst, logger),
	}
}

func mailConfigured(cfg *config.Config) bool {
	return cfg.Notify.Mail.Sender != "" && cfg.Notify.Mail.Password != ""
}

func smsConfigured(cfg *config.Config) bool {
	return cfg.Notify.SMS.AccountSID != "" && cfg.Notify.SMS.AuthToken != "" && cfg.Notify.SMS.From != ""
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	reg, report, err := loadRegistry(ctx, cfg, cfg.Functions.Dirs, logger.Named("registry"))
	if err != nil {
		return nil, err
	}
	for _, f := range report.Failures {
		logger.Warn("Skipped function manifest", zap.String("path", f.Path), zap.String("error", f.Error))
	}

	authorizer := auth.FromKeys(cfg.Auth.Keys)
	if len(cfg.Auth.Keys) == 0 {
		logger.Warn("No API keys configured; every request is accepted")
	}
	if !mailConfigured(cfg) {
		logger.Warn("Mail credentials missing; MAIL results will not be delivered")
	}
	if !smsConfigured(cfg) {
		logger.Warn("Twilio credentials missing; SMS results will not be delivered")
	}

	engine := dispatch.New(reg, jobtable.New(), dispatch.Options{
		JobTimeout: cfg.Jobs.Timeout,
		Notifiers:  newNotifiers(cfg, logger),
		Logger:     logger.Named("dispatch"),
	})

	return &app{
		registry:   reg,
		report:     report,
		engine:     engine,
		authorizer: authorizer,
		gateway:    handlers.NewGateway(engine, authorizer, reg, logger.Named("gateway")),
	}, nil
}

// registerHealthChecks installs the serve-time checkers on m.
func (a *app) registerHealthChecks(m *handlers.HealthManager, identity *config.Identity) {
	m.RegisterChecker("signal", signalHealthChecker{})
	if identity != nil {
		m.RegisterChecker("identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		})
	}
	m.RegisterChecker("functions", functionsHealthChecker{registry: a.registry})
	m.RegisterChecker("engine", engineHealthChecker{engine: a.engine})
}

type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity: missing env prefix")
	case c.configName == "":
		return errors.New("app identity: missing config name")
	}
	return nil
}

type functionsHealthChecker struct {
	registry *registry.Registry
}

func (c functionsHealthChecker) CheckHealth(ctx context.Context) error {
	if c.registry == nil || c.registry.Len() == 0 {
		return errors.New("no functions registered")
	}
	return nil
}

type engineHealthChecker struct {
	engine *dispatch.Engine
}

func (c engineHealthChecker) CheckHealth(ctx context.Context) error {
	if c.engine == nil {
		return errors.New("dispatch engine not initialized")
	}
	if c.engine.Draining() {
		return dispatch.ErrShuttingDown
	}
	return nil
}

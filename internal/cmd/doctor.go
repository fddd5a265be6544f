package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gorws/internal/config"
	errwrap "github.com/3leaps/gorws/internal/errors"
	"github.com/3leaps/gorws/internal/observability"
)

var (
	doctorProvider  string
	doctorFunctions bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and configuration.

Examples:
  gorws doctor                  # Runtime, config and notifier checks
  gorws doctor --functions      # Also report every function manifest
  gorws doctor --provider s3    # Also check AWS credentials for storage.* functions`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
	doctorCmd.Flags().BoolVar(&doctorFunctions, "functions", false, "List loaded and skipped function manifests")
}

func runDoctor(cmd *cobra.Command, args []string) {
	log := observability.CLILogger
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 8
	if doctorProvider == "s3" {
		totalChecks = 10
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(log, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: Config and data directories
	configDir, err := os.UserConfigDir()
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(log, foundry.ExitFileNotFound, "Cannot find config directory",
			errwrap.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
		zap.String("config_dir", configDir),
		zap.String("data_dir", config.DataDir()))
	checkNum++

	// Check 5: Configuration
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Loading configuration... ❌ %v", checkNum, totalChecks, err))
		ExitWithCode(log, foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	log.Info(fmt.Sprintf("[%d/%d] Loading configuration... ✅ listen %s:%d", checkNum, totalChecks, cfg.Server.Host, cfg.Server.Port))
	checkNum++

	// Check 6: Functions
	if !checkFunctions(cmd.Context(), cfg, checkNum, totalChecks) {
		allChecks = false
	}
	checkNum++

	// Check 7: Authentication and notifiers
	checkCredentials(cfg, checkNum, totalChecks)
	checkNum++

	// Check 8: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorProvider == "s3" {
		allChecks = runS3Checks(cmd.Context(), checkNum, totalChecks, allChecks)
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
}

// checkFunctions loads the registry the way serve does and reports the
// result.
func checkFunctions(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	log := observability.CLILogger

	reg, report, err := loadRegistry(ctx, cfg, cfg.Functions.Dirs, zap.NewNop())
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Loading functions... ❌ %v", checkNum, totalChecks, err))
		return false
	}

	ok := len(report.Failures) == 0 && len(report.SkippedDirs) == 0
	summary := fmt.Sprintf("%d registered, %d manifest(s), %d skipped", reg.Len(), len(report.Units), len(report.Failures))
	if ok {
		log.Info(fmt.Sprintf("[%d/%d] Loading functions... ✅ %s", checkNum, totalChecks, summary),
			zap.Strings("dirs", cfg.Functions.Dirs))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Loading functions... ⚠️  %s", checkNum, totalChecks, summary),
			zap.Strings("dirs", cfg.Functions.Dirs))
	}

	if doctorFunctions {
		for _, u := range report.Units {
			log.Info("  loaded "+u.Path, zap.Strings("functions", u.Functions))
		}
		for _, f := range report.Failures {
			log.Warn("  skipped "+f.Path, zap.String("error", f.Error))
		}
		for _, dir := range report.SkippedDirs {
			log.Warn("  missing directory " + dir)
		}
		for _, name := range report.Reserved {
			log.Info("  reserved name ignored: " + name)
		}
	}
	return ok
}

// checkCredentials reports which optional integrations are configured. A
// missing notifier credential is a warning, not a failure.
func checkCredentials(cfg *config.Config, checkNum, totalChecks int) {
	log := observability.CLILogger

	fields := []zap.Field{
		zap.Int("api_keys", len(cfg.Auth.Keys)),
		zap.Bool("mail", mailConfigured(cfg)),
		zap.Bool("sms", smsConfigured(cfg)),
	}

	var warnings []string
	if len(cfg.Auth.Keys) == 0 {
		warnings = append(warnings, "no API keys (all requests accepted)")
	}
	if !mailConfigured(cfg) {
		warnings = append(warnings, "mail sender not configured")
	}
	if !smsConfigured(cfg) {
		warnings = append(warnings, "Twilio not configured")
	}

	if len(warnings) == 0 {
		log.Info(fmt.Sprintf("[%d/%d] Checking credentials... ✅ auth, mail and SMS configured", checkNum, totalChecks), fields...)
		return
	}
	log.Warn(fmt.Sprintf("[%d/%d] Checking credentials... ⚠️  %d warning(s)", checkNum, totalChecks, len(warnings)), fields...)
	for _, w := range warnings {
		log.Warn("  " + w)
	}
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Provider Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source),
		zap.String("region", cfg.Region))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("storage.* functions use the AWS SDK credential chain:")
	log.Info("  1. AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. a shared profile (AWS_PROFILE or storage.profile), or")
	log.Info("  3. an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set storage.endpoint")
	log.Info("and usually storage.force_path_style.")
	log.Info("")
}

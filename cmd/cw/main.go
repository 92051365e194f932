package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"claimwatch/internal/app"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "claimwatch CLI",
	Long: `claimwatch detects "I'll take this" comments on GitHub issues, assigns the claimant,
and frees the issue again when the claim goes stale.
- Claim: a contributor's stated intent to work on an issue, scored by the pattern matcher.
- Grace period: days without visible progress before the claimant is nudged.
- Nudge: a reminder; after max_nudges reminders the claim is released and the issue unassigned.
- Progress: a linked pull request, commits by the claimant, or a progress comment; resets the timer.
- Jobs: lifecycle checks run by 'cw worker'; failing jobs retry with backoff, then dead-letter.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory holding claimwatch.yml")
	flags.StringP("config", "c", "", "config file (default <workspace>/claimwatch.yml)")
	flags.String("db", "", "database path (overrides database.path)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor", "operator", "actor recorded on operator actions")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("offline", false, "do not contact GitHub; progress checks degrade")
	for _, name := range []string{"workspace", "config", "db", "json", "actor", "log-level", "offline"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(claimsCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
	})
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func options(offline bool) app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		DBPath:     viper.GetString("db"),
		Logger:     newLogger(),
		Version:    version,
		Offline:    offline,
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, options(viper.GetBool("offline")))
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ivy/capture"
	"ivy/flow"
	"ivy/llm"
	"ivy/ratelimit"
	"ivy/session"
	"ivy/stt"
	"ivy/tts"
	"ivy/tui"
	"ivy/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	interviewCmd.Flags().
		String("voice", "", "Override the interviewer voice model")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(interviewCmd)
	rootCmd.AddCommand(askCmd)

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().
		String("deepgram-api-key", "", "Deepgram API key")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().Int("http-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().
		Int("turn-limit", session.DefaultTurnLimit, "Questions per interview")
	rootCmd.PersistentFlags().
		Int("rate-limit-points", 10, "Requests allowed per window")
	rootCmd.PersistentFlags().
		Duration("rate-limit-duration", time.Second, "Rate limit window")
	rootCmd.PersistentFlags().
		Duration("rate-limit-block", time.Minute, "Block after exhausting the window")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag(
		"deepgram_api_key",
		rootCmd.PersistentFlags().Lookup("deepgram-api-key"),
	)
	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
	viper.BindPFlag("turn_limit", rootCmd.PersistentFlags().Lookup("turn-limit"))
	viper.BindPFlag(
		"rate_limit_points",
		rootCmd.PersistentFlags().Lookup("rate-limit-points"),
	)
	viper.BindPFlag(
		"rate_limit_duration",
		rootCmd.PersistentFlags().Lookup("rate-limit-duration"),
	)
	viper.BindPFlag(
		"rate_limit_block_duration",
		rootCmd.PersistentFlags().Lookup("rate-limit-block"),
	)
	viper.BindPFlag("voice", interviewCmd.Flags().Lookup("voice"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "ivy",
	Short: "Ivy is a spoken mock-interview coach",
	Long:  `Ivy asks machine learning interview questions out loud, listens to your answers, and follows up like an interviewer would.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Run:   runServe,
}

var interviewCmd = &cobra.Command{
	Use:   "interview",
	Short: "Run a spoken interview in the terminal",
	Run:   runInterview,
}

var askCmd = &cobra.Command{
	Use:   "ask <question> <answer>",
	Short: "Generate one follow-up question",
	Args:  cobra.ExactArgs(2),
	Run:   runAsk,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, hearLogger, talkLogger, mindLogger := createLoggers()

	deepgramAPIKey := requireKey(mainLogger, "deepgram_api_key", "DEEPGRAM_API_KEY")
	openaiAPIKey := requireKey(mainLogger, "openai_api_key", "OPENAI_API_KEY")

	transcriber, err := stt.NewClient(deepgramAPIKey, hearLogger)
	if err != nil {
		mainLogger.Fatal("create transcriber", "error", err.Error())
	}

	synthesizer, err := tts.NewClient(deepgramAPIKey, talkLogger)
	if err != nil {
		mainLogger.Fatal("create synthesizer", "error", err.Error())
	}

	questioner := llm.NewInterviewer(
		llm.NewOpenAILanguageModel(openaiAPIKey),
		mindLogger,
	)

	limiter := ratelimit.New(ratelimit.Options{
		Points:        viper.GetInt("rate_limit_points"),
		Duration:      viper.GetDuration("rate_limit_duration"),
		BlockDuration: viper.GetDuration("rate_limit_block_duration"),
	}, logger.With().WithPrefix("gate"))

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	limiter.StartSweeping(ctx, time.Minute)

	handler := web.NewHandler(
		transcriber, questioner, synthesizer, limiter,
		logger.With().WithPrefix("web"),
	)

	port := viper.GetInt("http_port")
	mainLogger.Info("starting HTTP server", "port", port)
	if err := web.Serve(ctx, port, handler, mainLogger); err != nil {
		mainLogger.Fatal("serve", "error", err.Error())
	}
}

func runInterview(cmd *cobra.Command, args []string) {
	mainLogger, hearLogger, talkLogger, mindLogger := createLoggers()

	deepgramAPIKey := requireKey(mainLogger, "deepgram_api_key", "DEEPGRAM_API_KEY")
	openaiAPIKey := requireKey(mainLogger, "openai_api_key", "OPENAI_API_KEY")

	transcriber, err := stt.NewClient(deepgramAPIKey, hearLogger)
	if err != nil {
		mainLogger.Fatal("create transcriber", "error", err.Error())
	}

	var ttsOpts []tts.Option
	if voice := viper.GetString("voice"); voice != "" {
		ttsOpts = append(ttsOpts, tts.WithVoice(voice))
	}
	synthesizer, err := tts.NewClient(deepgramAPIKey, talkLogger, ttsOpts...)
	if err != nil {
		mainLogger.Fatal("create synthesizer", "error", err.Error())
	}

	questioner := llm.NewInterviewer(
		llm.NewOpenAILanguageModel(openaiAPIKey),
		mindLogger,
	)

	sess := session.New(viper.GetInt("turn_limit"))
	ctrl := flow.NewController(
		sess, transcriber, questioner, synthesizer,
		logger.With().WithPrefix("flow"),
	)

	recorder := capture.New(
		capture.DeviceSource{},
		logger.With().WithPrefix("mic"),
		capture.WithPreview(stt.NewLiveTranscriber(deepgramAPIKey, hearLogger)),
	)

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	if err := tui.Run(ctx, sess, recorder, ctrl, mainLogger); err != nil {
		mainLogger.Fatal("interview", "error", err.Error())
	}
}

func runAsk(cmd *cobra.Command, args []string) {
	mainLogger, _, _, mindLogger := createLoggers()

	openaiAPIKey := requireKey(mainLogger, "openai_api_key", "OPENAI_API_KEY")

	questioner := llm.NewInterviewer(
		llm.NewOpenAILanguageModel(openaiAPIKey),
		mindLogger,
	)

	question, err := questioner.NextQuestion(
		context.Background(), args[0], args[1],
	)
	if err != nil {
		mainLogger.Fatal("generate follow-up", "error", err.Error())
	}

	fmt.Println(question)
}

func requireKey(mainLogger *log.Logger, key, envName string) string {
	value := viper.GetString(key)
	if value == "" {
		flagName := strings.ReplaceAll(key, "_", "-")
		mainLogger.Fatal(
			fmt.Sprintf("missing %s or --%s=", envName, flagName),
		)
	}
	return value
}

func createLoggers() (mainLogger, hearLogger, talkLogger, mindLogger *log.Logger) {
	logLevel := log.InfoLevel
	if viper.GetBool("debug") {
		logLevel = log.DebugLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	hearLogger = logger.With().WithPrefix("hear")
	talkLogger = logger.With().WithPrefix("talk")
	mindLogger = logger.With().WithPrefix("mind")

	return
}

// main package for the voice-client, a command line tool that submits
// synthesis requests to the voice-service over NATS and manages its voices
// and tasks:
//
//	voice-client --text "Hello" --voice narrator
//	voice-client voices create --id narrator --type zero_shot --audio ref.wav
//	voice-client tasks result --id <task> --out hello.wav
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/tts"
	"github.com/book-expert/voice-service/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Flag names.
const (
	flagText        = "text"
	flagVoice       = "voice"
	flagPromptAudio = "prompt-audio"
	flagPromptText  = "prompt-text"
	flagInstruct    = "instruct"
	flagLanguage    = "language"
	flagSpeed       = "speed"
	flagFormat      = "format"
	flagCallback    = "callback"
	flagNATS        = "nats"
	flagSubject     = "subject"
	flagTimeout     = "timeout"
	flagHealth      = "health"
	flagEngineURL   = "engine-url"
)

// Flag descriptions.
const (
	flagTextDesc        = "Text to convert to speech"
	flagVoiceDesc       = "Registered voice id"
	flagPromptAudioDesc = "Reference recording for an ad-hoc voice"
	flagPromptTextDesc  = "Transcript of the reference recording"
	flagInstructDesc    = "Style instruction"
	flagLanguageDesc    = "Language code"
	flagSpeedDesc       = "Speed multiplier (0.5 to 2.0, 0 for the service default)"
	flagFormatDesc      = "Output format"
	flagCallbackDesc    = "URL notified when the task finishes"
	flagNATSDesc        = "NATS server URL"
	flagSubjectDesc     = "Submission subject"
	flagTimeoutDesc     = "How long to wait for the reply"
	flagHealthDesc      = "Check synthesis engine health and exit"
	flagEngineURLDesc   = "Synthesis engine URL used by --health"
)

var (
	errTextRequired       = errors.New("--text must be provided")
	errVoiceAndPrompt     = errors.New("cannot specify both --voice and --prompt-audio")
	errPromptTextNoAudio  = errors.New("--prompt-text requires --prompt-audio")
	errSubmissionRejected = errors.New("submission rejected")
)

const logFileName = "voice-client.log"

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text        string
	voice       string
	promptAudio string
	promptText  string
	instruct    string
	language    string
	speed       float64
	format      string
	callback    string
	natsURL     string
	subject     string
	timeout     time.Duration
	health      bool
	engineURL   string
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	if isControlCommand(args) {
		return runControl(args, out)
	}

	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	if flags.health {
		return handleHealthCheck(flags, clientLog, out)
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	event, err := buildEvent(flags)
	if err != nil {
		return err
	}

	return submit(flags, event, clientLog, out)
}

// parseFlags parses args into appFlags.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("voice-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.StringVar(&flags.promptAudio, flagPromptAudio, "", flagPromptAudioDesc)
	flagSet.StringVar(&flags.promptText, flagPromptText, "", flagPromptTextDesc)
	flagSet.StringVar(&flags.instruct, flagInstruct, "", flagInstructDesc)
	flagSet.StringVar(&flags.language, flagLanguage, "", flagLanguageDesc)
	flagSet.Float64Var(&flags.speed, flagSpeed, 0, flagSpeedDesc)
	flagSet.StringVar(&flags.format, flagFormat, "wav", flagFormatDesc)
	flagSet.StringVar(&flags.callback, flagCallback, "", flagCallbackDesc)
	flagSet.StringVar(&flags.natsURL, flagNATS, nats.DefaultURL, flagNATSDesc)
	flagSet.StringVar(&flags.subject, flagSubject, config.DefaultSubmitSubject, flagSubjectDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, 10*time.Second, flagTimeoutDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.StringVar(&flags.engineURL, flagEngineURL, config.DefaultServiceURL, flagEngineURLDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateFlags checks required and conflicting arguments.
func validateFlags(flags appFlags) error {
	if flags.text == "" {
		return errTextRequired
	}

	if flags.voice != "" && flags.promptAudio != "" {
		return errVoiceAndPrompt
	}

	if flags.promptText != "" && flags.promptAudio == "" {
		return errPromptTextNoAudio
	}

	return nil
}

// buildEvent reads the prompt recording, if any, and assembles the request.
func buildEvent(flags appFlags) (*worker.SynthesisRequestedEvent, error) {
	event := &worker.SynthesisRequestedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
		},
		Text:         flags.text,
		VoiceID:      flags.voice,
		PromptText:   flags.promptText,
		InstructText: flags.instruct,
		Language:     flags.language,
		Speed:        flags.speed,
		Format:       flags.format,
		CallbackURL:  flags.callback,
	}

	if flags.promptAudio != "" {
		data, err := os.ReadFile(flags.promptAudio)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt audio: %w", err)
		}

		event.PromptAudio = data
	}

	return event, nil
}

// submit sends the request and prints the reply.
func submit(flags appFlags, event *worker.SynthesisRequestedEvent, clientLog *logger.Logger, out io.Writer) error {
	natsConnection, err := nats.Connect(flags.natsURL, nats.Name("voice-client"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", flags.natsURL, err)
	}
	defer natsConnection.Close()

	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	clientLog.Info("Submitting workflow %s to %s", event.Header.WorkflowID, flags.subject)

	replyMsg, err := natsConnection.Request(flags.subject, eventData, flags.timeout)
	if err != nil {
		return fmt.Errorf("no reply on %s: %w", flags.subject, err)
	}

	var reply worker.SynthesisAcceptedEvent

	err = json.Unmarshal(replyMsg.Data, &reply)
	if err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}

	if reply.Code != worker.CodeAccepted {
		clientLog.Error("Submission rejected (%s): %s", reply.Code, reply.Message)

		return fmt.Errorf("%w (%s): %s", errSubmissionRejected, reply.Code, reply.Message)
	}

	clientLog.Info("Task %s accepted", reply.TaskID)
	fmt.Fprintf(out, "Task %s %s\n", reply.TaskID, reply.Status)

	return nil
}

// handleHealthCheck performs an engine health check and prints the result.
func handleHealthCheck(flags appFlags, clientLog *logger.Logger, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	client := tts.NewHTTPClient(flags.engineURL, flags.timeout)

	err := client.HealthCheck(ctx)
	if err != nil {
		clientLog.Error("Health check failed: %v", err)
		fmt.Fprintf(out, "Engine is not healthy: %v\n", err)

		return err
	}

	fmt.Fprintln(out, "Engine is healthy")

	return nil
}

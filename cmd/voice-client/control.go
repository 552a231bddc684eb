package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Command groups served by the control operations.
const (
	groupVoices = "voices"
	groupTasks  = "tasks"
)

const resultPermissions = 0o600

var (
	errUsage           = errors.New("usage: voice-client voices|tasks <operation> [flags]")
	errUnknownOp       = errors.New("unknown operation")
	errIDRequired      = errors.New("--id must be provided")
	errAudioRequired   = errors.New("--audio must be provided")
	errOperationFailed = errors.New("operation failed")
)

// controlFlags holds the flags of a voices or tasks command.
type controlFlags struct {
	natsURL     string
	prefix      string
	timeout     time.Duration
	id          string
	name        string
	description string
	voiceType   string
	language    string
	promptText  string
	instruct    string
	audio       string
	audioFormat string
	page        int
	pageSize    int
	status      string
	voice       string
	limit       int
	out         string
	set         map[string]bool
}

func isControlCommand(args []string) bool {
	return len(args) > 0 && (args[0] == groupVoices || args[0] == groupTasks)
}

// runControl executes "voices <op>" or "tasks <op>".
func runControl(args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}

	op := args[0] + "." + args[1]

	flags, err := parseControlFlags(op, args[2:])
	if err != nil {
		return err
	}

	request, err := buildControlRequest(op, flags)
	if err != nil {
		return err
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	reply, err := callControl(flags, op, request, clientLog)
	if err != nil {
		return err
	}

	return printReply(op, flags, reply, out)
}

func parseControlFlags(op string, args []string) (controlFlags, error) {
	var flags controlFlags

	flagSet := flag.NewFlagSet("voice-client "+op, flag.ContinueOnError)
	flagSet.StringVar(&flags.natsURL, flagNATS, nats.DefaultURL, flagNATSDesc)
	flagSet.StringVar(&flags.prefix, "prefix", config.DefaultControlPrefix, "Control subject prefix")
	flagSet.DurationVar(&flags.timeout, flagTimeout, 30*time.Second, flagTimeoutDesc)
	flagSet.StringVar(&flags.id, "id", "", "Voice or task id")
	flagSet.StringVar(&flags.name, "name", "", "Voice display name")
	flagSet.StringVar(&flags.description, "description", "", "Voice description")
	flagSet.StringVar(&flags.voiceType, "type", "", "Voice type: sft, zero_shot, cross_lingual or instruct")
	flagSet.StringVar(&flags.language, flagLanguage, "", flagLanguageDesc)
	flagSet.StringVar(&flags.promptText, flagPromptText, "", flagPromptTextDesc)
	flagSet.StringVar(&flags.instruct, flagInstruct, "", flagInstructDesc)
	flagSet.StringVar(&flags.audio, "audio", "", "Reference recording of a new voice")
	flagSet.StringVar(&flags.audioFormat, "audio-format", "", "Format of the reference recording")
	flagSet.IntVar(&flags.page, "page", 1, "Page number of a voice listing")
	flagSet.IntVar(&flags.pageSize, "size", 0, "Page size of a voice listing")
	flagSet.StringVar(&flags.status, "status", "", "Task status filter")
	flagSet.StringVar(&flags.voice, flagVoice, "", "Voice id filter")
	flagSet.IntVar(&flags.limit, "limit", 0, "Maximum number of tasks listed")
	flagSet.StringVar(&flags.out, "out", "", "File receiving the task result")

	err := flagSet.Parse(args)
	if err != nil {
		return controlFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	flags.set = make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		flags.set[f.Name] = true
	})

	return flags, nil
}

// buildControlRequest assembles the request body of op.
func buildControlRequest(op string, flags controlFlags) (any, error) {
	header := events.EventHeader{
		Timestamp:  time.Now(),
		WorkflowID: uuid.NewString(),
		EventID:    uuid.NewString(),
	}

	switch op {
	case worker.OpVoiceCreate:
		return buildCreateRequest(header, flags)
	case worker.OpVoiceGet, worker.OpVoiceDelete:
		if flags.id == "" {
			return nil, errIDRequired
		}

		return &worker.VoiceRequest{Header: header, VoiceID: flags.id}, nil
	case worker.OpVoiceUpdate:
		if flags.id == "" {
			return nil, errIDRequired
		}

		update := &worker.VoiceUpdateRequest{Header: header, VoiceID: flags.id}
		if flags.set["name"] {
			update.Name = &flags.name
		}

		if flags.set["description"] {
			update.Description = &flags.description
		}

		return update, nil
	case worker.OpVoiceList:
		return &worker.VoiceListRequest{
			Header:   header,
			Type:     flags.voiceType,
			Language: flags.language,
			Page:     flags.page,
			PageSize: flags.pageSize,
		}, nil
	case worker.OpVoiceStats, worker.OpVoicePretrained, worker.OpTaskStats:
		return &struct {
			Header events.EventHeader `json:"header"`
		}{Header: header}, nil
	case worker.OpTaskStatus, worker.OpTaskResult, worker.OpTaskCancel:
		if flags.id == "" {
			return nil, errIDRequired
		}

		return &worker.TaskRequest{Header: header, TaskID: flags.id}, nil
	case worker.OpTaskList:
		return &worker.TaskListRequest{
			Header:  header,
			Status:  flags.status,
			VoiceID: flags.voice,
			Limit:   flags.limit,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownOp, op)
	}
}

func buildCreateRequest(header events.EventHeader, flags controlFlags) (*worker.VoiceCreateRequest, error) {
	if flags.id == "" {
		return nil, errIDRequired
	}

	if flags.audio == "" {
		return nil, errAudioRequired
	}

	data, err := os.ReadFile(flags.audio)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference audio: %w", err)
	}

	name := flags.name
	if name == "" {
		name = flags.id
	}

	return &worker.VoiceCreateRequest{
		Header:       header,
		VoiceID:      flags.id,
		Name:         name,
		Description:  flags.description,
		Type:         flags.voiceType,
		Language:     flags.language,
		PromptText:   flags.promptText,
		InstructText: flags.instruct,
		AudioFormat:  flags.audioFormat,
		Audio:        data,
	}, nil
}

func callControl(flags controlFlags, op string, request any, clientLog *logger.Logger) (*worker.ControlReply, error) {
	natsConnection, err := nats.Connect(flags.natsURL, nats.Name("voice-client"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", flags.natsURL, err)
	}
	defer natsConnection.Close()

	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	subject := worker.Subject(flags.prefix, op)
	clientLog.Info("Calling %s", subject)

	replyMsg, err := natsConnection.Request(subject, requestData, flags.timeout)
	if err != nil {
		return nil, fmt.Errorf("no reply on %s: %w", subject, err)
	}

	var reply worker.ControlReply

	err = json.Unmarshal(replyMsg.Data, &reply)
	if err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}

	if reply.Code != worker.CodeOK {
		clientLog.Error("%s failed (%s): %s", op, reply.Code, reply.Message)

		return nil, fmt.Errorf("%w (%s): %s", errOperationFailed, reply.Code, reply.Message)
	}

	return &reply, nil
}

// printReply writes the reply as JSON. A task result is written to --out
// instead of the terminal.
func printReply(op string, flags controlFlags, reply *worker.ControlReply, out io.Writer) error {
	if op == worker.OpTaskResult && len(reply.Audio) > 0 {
		if flags.out == "" {
			fmt.Fprintf(out, "Result of task %s is %d bytes; pass --out to save it\n", flags.id, len(reply.Audio))
		} else {
			err := os.WriteFile(flags.out, reply.Audio, resultPermissions)
			if err != nil {
				return fmt.Errorf("failed to write result: %w", err)
			}

			fmt.Fprintf(out, "Saved %d bytes to %s\n", len(reply.Audio), flags.out)
		}

		reply.Audio = nil
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(reply)
	if err != nil {
		return fmt.Errorf("failed to print reply: %w", err)
	}

	return nil
}

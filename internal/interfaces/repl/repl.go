package repl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/corerun/agentcore/internal/application/usecase"
	"github.com/corerun/agentcore/internal/domain/entity"
	"github.com/corerun/agentcore/internal/domain/thread"
	"github.com/corerun/agentcore/internal/domain/valueobject"
	"go.uber.org/zap"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// REPL interactive command-line agent session
type REPL struct {
	usecase        *usecase.ProcessMessageUseCase
	logger         *zap.Logger
	conversationID string
	currentModel   string
	userName       string
	threads        *thread.Manager // C9: backs /fork, /threads, /switch, /rollback
}

// Config REPL configuration
type Config struct {
	DefaultModel string
	UserName     string
	Threads      *thread.Manager // nil = thread commands disabled
}

// New creates a new REPL instance
func New(uc *usecase.ProcessMessageUseCase, logger *zap.Logger, cfg Config) *REPL {
	model := cfg.DefaultModel
	if model == "" {
		model = "default"
	}
	userName := cfg.UserName
	if userName == "" {
		userName = "user"
	}

	return &REPL{
		usecase:        uc,
		logger:         logger,
		conversationID: fmt.Sprintf("repl_%d", time.Now().UnixNano()),
		currentModel:   model,
		userName:       userName,
		threads:        cfg.Threads,
	}
}

// Run starts the REPL loop
func (r *REPL) Run(ctx context.Context) error {
	r.printBanner()

	scanner := bufio.NewScanner(os.Stdin)
	// Allow long input lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Printf("%s%s> %s", colorGreen, r.userName, colorReset)

		if !scanner.Scan() {
			// EOF or error
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		// Handle built-in commands
		if handled, shouldExit := r.handleCommand(input); handled {
			if shouldExit {
				return nil
			}
			continue
		}

		// Process message through usecase
		if err := r.processMessage(ctx, input); err != nil {
			fmt.Printf("%sError: %v%s\n", colorYellow, err, colorReset)
			r.logger.Error("REPL message processing failed", zap.Error(err))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	fmt.Println("\nGoodbye!")
	return nil
}

// handleCommand processes built-in REPL commands
// Returns (handled, shouldExit)
func (r *REPL) handleCommand(input string) (bool, bool) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return false, false
	}

	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "/exit", "/quit", "/q":
		fmt.Println("Goodbye!")
		return true, true

	case "/new":
		r.conversationID = fmt.Sprintf("repl_%d", time.Now().UnixNano())
		fmt.Printf("%sâœ“ New conversation started%s\n", colorCyan, colorReset)
		return true, false

	case "/model":
		if len(parts) > 1 {
			r.currentModel = parts[1]
			fmt.Printf("%sâœ“ Model switched to: %s%s\n", colorCyan, r.currentModel, colorReset)
		} else {
			fmt.Printf("%sCurrent model: %s%s\n", colorCyan, r.currentModel, colorReset)
		}
		return true, false

	case "/status":
		fmt.Printf("%sâ”€â”€ Status â”€â”€%s\n", colorCyan, colorReset)
		fmt.Printf("  Conversation: %s\n", r.conversationID)
		fmt.Printf("  Model:        %s\n", r.currentModel)
		fmt.Printf("  User:         %s\n", r.userName)
		return true, false

	case "/help":
		r.printHelp()
		return true, false

	case "/fork":
		r.cmdFork(parts[1:])
		return true, false

	case "/threads":
		r.cmdListThreads()
		return true, false

	case "/switch":
		r.cmdSwitchThread(parts[1:])
		return true, false

	case "/rollback":
		r.cmdRollback(parts[1:])
		return true, false

	default:
		return false, false
	}
}

// cmdFork branches the active thread so the conversation can explore an
// alternative without losing the current line (spec C9 §4.9).
func (r *REPL) cmdFork(args []string) {
	if r.threads == nil {
		fmt.Printf("%sThread branching is not available in this session%s\n", colorYellow, colorReset)
		return
	}
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	t, err := r.threads.Fork(thread.ForkOptions{Name: name})
	if err != nil {
		fmt.Printf("%sFork failed: %v%s\n", colorYellow, err, colorReset)
		return
	}
	fmt.Printf("%s✓ Forked to thread %s (%s)%s\n", colorCyan, t.ID, t.Name, colorReset)
}

// cmdListThreads prints every thread, marking the active one.
func (r *REPL) cmdListThreads() {
	if r.threads == nil {
		fmt.Printf("%sThread branching is not available in this session%s\n", colorYellow, colorReset)
		return
	}
	active := r.threads.ActiveThread()
	fmt.Printf("%s── Threads ──%s\n", colorCyan, colorReset)
	for _, t := range r.threads.ListThreads() {
		marker := " "
		if t.ID == active.ID {
			marker = "*"
		}
		fmt.Printf(" %s %s  %-16s %d messages\n", marker, t.ID, t.Name, len(t.Messages))
	}
}

// cmdSwitchThread makes the named thread ID active.
func (r *REPL) cmdSwitchThread(args []string) {
	if r.threads == nil {
		fmt.Printf("%sThread branching is not available in this session%s\n", colorYellow, colorReset)
		return
	}
	if len(args) == 0 {
		fmt.Printf("%sUsage: /switch <thread-id>%s\n", colorYellow, colorReset)
		return
	}
	if err := r.threads.SwitchThread(args[0]); err != nil {
		fmt.Printf("%sSwitch failed: %v%s\n", colorYellow, err, colorReset)
		return
	}
	fmt.Printf("%s✓ Switched to thread %s%s\n", colorCyan, args[0], colorReset)
}

// cmdRollback drops the last n messages (default 1) from the active thread.
func (r *REPL) cmdRollback(args []string) {
	if r.threads == nil {
		fmt.Printf("%sThread branching is not available in this session%s\n", colorYellow, colorReset)
		return
	}
	n := 1
	if len(args) > 0 {
		if parsed, err := strconv.Atoi(args[0]); err == nil && parsed >= 0 {
			n = parsed
		}
	}
	if err := r.threads.RollbackBy(n); err != nil {
		fmt.Printf("%sRollback failed: %v%s\n", colorYellow, err, colorReset)
		return
	}
	fmt.Printf("%s✓ Rolled back %d message(s)%s\n", colorCyan, n, colorReset)
}

// processMessage sends user input through the ProcessMessageUseCase
func (r *REPL) processMessage(ctx context.Context, input string) error {
	user := valueobject.NewUser("repl_user", r.userName, "repl")
	content := valueobject.NewMessageContent(input, valueobject.ContentTypeText)

	msgID := fmt.Sprintf("repl_%d", time.Now().UnixNano())
	msg, err := entity.NewMessage(msgID, r.conversationID, content, user)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	if r.threads != nil {
		_, _ = r.threads.AddMessage("user", input)
	}

	startTime := time.Now()
	response, err := r.usecase.Execute(ctx, msg)
	elapsed := time.Since(startTime)

	if err != nil {
		return err
	}

	if response == nil {
		fmt.Printf("%s(empty response)%s\n", colorGray, colorReset)
		return nil
	}

	if r.threads != nil {
		_, _ = r.threads.AddMessage("assistant", response.Content().Text())
	}

	// Print response
	fmt.Printf("\n%s%sğŸ¤– Assistant%s\n", colorBold, colorCyan, colorReset)
	fmt.Println(response.Content().Text())
	fmt.Printf("%s(%s)%s\n\n", colorGray, elapsed.Round(time.Millisecond), colorReset)

	return nil
}

// printBanner displays the REPL welcome message
func (r *REPL) printBanner() {
	fmt.Printf("\n%s%sâ•”â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•—%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%s%sâ•‘       AgentCore REPL v0.1.0        â•‘%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%s%sâ•šâ•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•â•%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%sModel: %s | Type /help for commands%s\n\n", colorGray, r.currentModel, colorReset)
}

// printHelp displays available commands
func (r *REPL) printHelp() {
	fmt.Printf("\n%sâ”€â”€ Commands â”€â”€%s\n", colorCyan, colorReset)
	fmt.Println("  /new          Start a new conversation")
	fmt.Println("  /model [name] Show or switch current model")
	fmt.Println("  /status       Show current session status")
	fmt.Println("  /image <p>    Generate an image")
	fmt.Println("  /skill <id>   Execute a skill")
	fmt.Println("  /fork [name]  Branch the conversation into a new thread")
	fmt.Println("  /threads      List all threads (* marks active)")
	fmt.Println("  /switch <id>  Make a thread active")
	fmt.Println("  /rollback [n] Drop the last n messages (default 1)")
	fmt.Println("  /help         Show this help")
	fmt.Println("  /exit         Exit REPL")
	fmt.Println()
}

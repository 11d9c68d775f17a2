// Package app opens the configured backends and assembles the tutor service.
// Both the Lambda and the local server entry points build through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"socratic-tutor/internal/answercheck"
	"socratic-tutor/internal/completion"
	"socratic-tutor/internal/config"
	"socratic-tutor/internal/conversation"
	"socratic-tutor/internal/dialogue"
	"socratic-tutor/internal/flows"
	"socratic-tutor/internal/guard"
	"socratic-tutor/internal/integrations/claude"
	"socratic-tutor/internal/integrations/openai"
	"socratic-tutor/internal/integrations/paramstore"
	"socratic-tutor/internal/observability"
	"socratic-tutor/internal/progress"
	"socratic-tutor/internal/repository"
	"socratic-tutor/internal/usecase"
)

// Resources are the backends opened from configuration.
type Resources struct {
	Sessions repository.SessionRepository
	// Params is nil when no parameter prefix is configured.
	Params paramstore.Getter

	closers []func() error
}

// Close releases every opened backend.
func (r *Resources) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Open connects the session backend and, when PARAM_PREFIX is set, the
// parameter store. AWS configuration is loaded only if a backend needs it.
func Open(ctx context.Context, cfg *config.Config) (*Resources, error) {
	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	res := &Resources{}
	switch cfg.StateBackend {
	case config.BackendDynamoDB:
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		store, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(c), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("app: dynamodb store: %w", err)
		}
		res.Sessions = store
	case config.BackendSQLite:
		store, err := repository.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("app: sqlite store: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("app: sqlite ping: %w", err)
		}
		res.Sessions = store
		res.closers = append(res.closers, store.Close)
	case config.BackendMemory:
		res.Sessions = repository.NewMemoryStore()
	default:
		return nil, fmt.Errorf("app: unknown state backend %q", cfg.StateBackend)
	}

	if cfg.ParamPrefix != "" {
		c, err := loadAWS()
		if err != nil {
			_ = res.Close()
			return nil, err
		}
		params, err := paramstore.New(awsssm.NewFromConfig(c))
		if err != nil {
			_ = res.Close()
			return nil, fmt.Errorf("app: parameter store: %w", err)
		}
		res.Params = params
	}
	return res, nil
}

// NewTutorService wires the conversation store, detectors, generators and
// the configured completion provider into a TutorService.
func NewTutorService(cfg *config.Config, res *Resources, logger *slog.Logger) (*usecase.TutorService, error) {
	if logger == nil {
		logger = observability.Logger()
	}

	llm, err := NewCompleter(cfg, res.Params)
	if err != nil {
		return nil, err
	}

	store, err := conversation.New(res.Sessions,
		conversation.WithTTL(cfg.SessionTTL),
		conversation.WithMaxMessages(cfg.MaxSessionMessages),
		conversation.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	tracker, err := progress.NewTracker(store, logger)
	if err != nil {
		return nil, err
	}
	gen, err := dialogue.NewGenerator(llm, logger)
	if err != nil {
		return nil, err
	}
	semantic, err := guard.NewSemanticDetector(llm, logger)
	if err != nil {
		return nil, err
	}
	blocker, err := guard.NewOrchestrator(gen, logger, guard.NewKeywordDetector(), semantic)
	if err != nil {
		return nil, err
	}
	checker, err := answercheck.NewChecker(llm, logger)
	if err != nil {
		return nil, err
	}
	flowGen, err := flows.NewGenerator(gen, blocker, logger)
	if err != nil {
		return nil, err
	}

	deps := usecase.Dependencies{
		Conversations: store,
		Progress:      tracker,
		Dialogue:      gen,
		Blocker:       blocker,
		Checker:       checker,
		Flows:         flowGen,
	}
	if cfg.ModerationEnabled {
		moderator, err := newModerator(cfg, res.Params, llm)
		if err != nil {
			return nil, err
		}
		deps.Moderator = moderator
	}

	return usecase.NewTutorService(deps, usecase.Options{
		StuckThreshold:   cfg.StuckThreshold,
		MaxMessageLength: cfg.MaxMessageLength,
		Logger:           logger,
	})
}

// NewCompleter returns the completion provider named by cfg.Provider.
func NewCompleter(cfg *config.Config, params paramstore.Getter) (completion.Completer, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return newOpenAI(cfg, params)
	case config.ProviderAnthropic:
		opts := []claude.Option{claude.WithModel(cfg.Model)}
		if cfg.AnthropicAPIKey != "" {
			opts = append(opts, claude.WithAPIKey(cfg.AnthropicAPIKey))
		}
		if params != nil && cfg.ParamPrefix != "" {
			opts = append(opts, claude.WithParamStore(params, cfg.ParamPrefix))
		}
		client, err := claude.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("app: anthropic client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("app: unknown provider %q", cfg.Provider)
	}
}

// newModerator reuses the completion client when it can moderate and
// otherwise builds an OpenAI client for the moderation endpoint only.
func newModerator(cfg *config.Config, params paramstore.Getter, llm completion.Completer) (usecase.Moderator, error) {
	if m, ok := llm.(usecase.Moderator); ok {
		return m, nil
	}
	client, err := newOpenAI(cfg, params)
	if err != nil {
		return nil, fmt.Errorf("app: moderation client: %w", err)
	}
	return client, nil
}

func newOpenAI(cfg *config.Config, params paramstore.Getter) (*openai.Client, error) {
	var opts []openai.Option
	if cfg.OpenAIAPIKey != "" {
		opts = append(opts, openai.WithAPIKey(cfg.OpenAIAPIKey))
	}
	if params != nil && cfg.ParamPrefix != "" {
		opts = append(opts, openai.WithParamStore(params, cfg.ParamPrefix))
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if cfg.Model != "" && cfg.Provider == config.ProviderOpenAI {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	client, err := openai.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("app: openai client: %w", err)
	}
	return client, nil
}

package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level  string
	Format string // console|json
	File   FileConfig
	Alerts AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards high-severity records to an operator chat.
type AlertConfig struct {
	Enabled    bool
	ChatID     int64
	MinLevel   string
	RatePerSec int
}

// AlertSender delivers a formatted alert line to an operator chat.
type AlertSender interface {
	SendAlert(ctx context.Context, chatID int64, text string) error
}

// Service owns the live root logger and its sinks.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	alerts       AlertSender
	alertQueue   chan alertItem
	alertOnce    sync.Once
	alertCancel  context.CancelFunc
	alertWG      sync.WaitGroup
	alertDropped atomic.Uint64

	// guarded by mu
	chatID   int64
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type alertItem struct {
	chatID int64
	text   string
}

// New creates the logging service, applies cfg immediately,
// and returns both the Service and a live root Logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()

	s := &Service{
		cfg:        cfg,
		alertQueue: make(chan alertItem, 128),
	}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger())

	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetAlertSender attaches the transport used by the alert sink. The sender
// usually becomes available after logging is configured.
func (s *Service) SetAlertSender(sender AlertSender) {
	s.mu.Lock()
	s.alerts = sender
	s.mu.Unlock()
}

// DroppedAlerts reports how many alert lines were discarded by the rate limiter
// or a full queue.
func (s *Service) DroppedAlerts() uint64 { return s.alertDropped.Load() }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.alertCancel
	s.alertCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.alertWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps outputs and levels at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.chatID = cfg.Alerts.ChatID
	s.minLevel = ParseLevel(cfg.Alerts.MinLevel, zerolog.ErrorLevel)
	rps := cfg.Alerts.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		writers = append(writers, Stdout())
	} else {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./taskpulse.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	if cfg.Alerts.Enabled {
		s.alertOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.alertCancel = cancel
			s.alertWG.Add(1)
			go func() {
				defer s.alertWG.Done()
				s.alertWorker(ctx)
			}()
		})
		writers = append(writers, &alertWriter{svc: s})
		if s.chatID == 0 {
			fmt.Fprintln(Stderr(), "logx: alerts enabled but logging.alerts.chat_id is not set")
		}
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) alertWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.alertQueue:
			s.mu.Lock()
			sender := s.alerts
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			_ = sender.SendAlert(ctx, it.chatID, it.text)
		}
	}
}

func (s *Service) enqueueAlert(it alertItem) {
	// never block the logging call site
	select {
	case s.alertQueue <- it:
	default:
		s.alertDropped.Add(1)
	}
}

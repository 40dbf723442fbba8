package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/config"
)

// CSV file names under the journal directory.
const (
	equityFile    = "equity_curve.csv"
	tradesFile    = "trades_log.csv"
	decisionsFile = "decisions_log.csv"
	errorsFile    = "errors_log.csv"
	learningFile  = "learning_log.csv"
)

// Journal buffers engine events into CSV files. Rows accumulate in
// memory and hit disk on Flush, which the orchestrator calls every few
// cycles and once more on shutdown.
type Journal struct {
	mu     sync.Mutex
	files  map[string]*csvFile
	dir    string
	logger zerolog.Logger
}

type csvFile struct {
	file   *os.File
	writer *csv.Writer
}

// Open creates (or appends to) the journal files in dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir %s: %w", dir, err)
	}

	j := &Journal{
		files:  make(map[string]*csvFile),
		dir:    dir,
		logger: config.NewLogger("journal"),
	}

	headers := map[string][]string{
		equityFile:    {"ts", "realized", "unrealized", "total", "peak", "drawdown"},
		tradesFile:    {"ts", "symbol", "side", "event", "quantity", "price", "roi", "pnl", "position_id", "detail"},
		decisionsFile: {"ts", "cycle", "agent_id", "symbol", "signal", "confidence", "cached", "unavailable", "ref", "rationale"},
		errorsFile:    {"ts", "component", "symbol", "code", "message"},
		learningFile:  {"ts", "ref", "agent_id", "symbol", "outcome", "roi", "hold_seconds"},
	}

	for name, header := range headers {
		if err := j.open(name, header); err != nil {
			j.Close()
			return nil, err
		}
	}
	return j, nil
}

func (j *Journal) open(name string, header []string) error {
	path := filepath.Join(j.dir, name)
	info, statErr := os.Stat(path)
	isNew := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal file %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(header); err != nil {
			f.Close()
			return fmt.Errorf("failed to write header to %s: %w", path, err)
		}
	}

	j.files[name] = &csvFile{file: f, writer: w}
	return nil
}

func (j *Journal) write(name string, row []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cf, ok := j.files[name]
	if !ok {
		return
	}
	if err := cf.writer.Write(row); err != nil {
		j.logger.Error().Err(err).Str("file", name).Msg("Failed to buffer journal row")
	}
}

// EquityRow is one equity curve sample.
type EquityRow struct {
	Time       time.Time
	Realized   float64
	Unrealized float64
	Total      float64
	Peak       float64
	Drawdown   float64
}

// LogEquity buffers an equity curve sample.
func (j *Journal) LogEquity(r EquityRow) {
	j.write(equityFile, []string{
		r.Time.UTC().Format(time.RFC3339),
		f64(r.Realized), f64(r.Unrealized), f64(r.Total), f64(r.Peak), f64(r.Drawdown),
	})
}

// TradeRow is one lifecycle event of a position.
type TradeRow struct {
	Time       time.Time
	Symbol     string
	Side       string
	Event      string // ENTRY, EXIT, PARTIAL_CLOSE, SAFETY_CLOSE, REATTACH, ...
	Quantity   float64
	Price      float64
	ROI        float64
	PnL        float64
	PositionID string
	Detail     string
}

// LogTrade buffers a trade lifecycle event.
func (j *Journal) LogTrade(r TradeRow) {
	j.write(tradesFile, []string{
		r.Time.UTC().Format(time.RFC3339),
		r.Symbol, r.Side, r.Event,
		f64(r.Quantity), f64(r.Price), f64(r.ROI), f64(r.PnL),
		r.PositionID, r.Detail,
	})
}

// DecisionRow is one agent vote.
type DecisionRow struct {
	Time        time.Time
	Cycle       uint64
	AgentID     string
	Symbol      string
	Signal      string
	Confidence  float64
	Cached      bool
	Unavailable bool
	Ref         string
	Rationale   string
}

// LogDecision buffers an agent decision.
func (j *Journal) LogDecision(r DecisionRow) {
	j.write(decisionsFile, []string{
		r.Time.UTC().Format(time.RFC3339),
		strconv.FormatUint(r.Cycle, 10),
		r.AgentID, r.Symbol, r.Signal,
		f64(r.Confidence),
		strconv.FormatBool(r.Cached),
		strconv.FormatBool(r.Unavailable),
		r.Ref, r.Rationale,
	})
}

// ErrorRow is one operational error.
type ErrorRow struct {
	Time      time.Time
	Component string
	Symbol    string
	Code      string
	Message   string
}

// LogError buffers an operational error.
func (j *Journal) LogError(r ErrorRow) {
	j.write(errorsFile, []string{
		r.Time.UTC().Format(time.RFC3339),
		r.Component, r.Symbol, r.Code, r.Message,
	})
}

// LearningRow binds a decision to its trade outcome.
type LearningRow struct {
	Time        time.Time
	Ref         string
	AgentID     string
	Symbol      string
	Outcome     string // WIN, LOSS, BREAKEVEN
	ROI         float64
	HoldSeconds float64
}

// LogLearning buffers an outcome feedback row.
func (j *Journal) LogLearning(r LearningRow) {
	j.write(learningFile, []string{
		r.Time.UTC().Format(time.RFC3339),
		r.Ref, r.AgentID, r.Symbol, r.Outcome,
		f64(r.ROI), f64(r.HoldSeconds),
	})
}

// Flush pushes every buffered row to disk.
func (j *Journal) Flush() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for name, cf := range j.files {
		cf.writer.Flush()
		if err := cf.writer.Error(); err != nil {
			j.logger.Error().Err(err).Str("file", name).Msg("Failed to flush journal")
		}
	}
}

// Close flushes and closes all files.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for name, cf := range j.files {
		cf.writer.Flush()
		if err := cf.file.Close(); err != nil {
			j.logger.Error().Err(err).Str("file", name).Msg("Failed to close journal file")
		}
		delete(j.files, name)
	}
}

func f64(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

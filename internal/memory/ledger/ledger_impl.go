package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

// fileStore is the JSON file backed Store.
type fileStore struct {
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

// NewStore returns a file backed ledger store. A nil logger is replaced with
// a no-op logger.
func NewStore(logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fileStore{logger: logger, now: time.Now}
}

func (s *fileStore) Initialize(sessionRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.loadOrCreate(sessionRoot)
	return err
}

func (s *fileStore) Append(sessionRoot string, finding investigation.Finding) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.loadOrCreate(sessionRoot)
	if err != nil {
		return Summary{}, err
	}

	l.Findings = append(l.Findings, finding)
	l.Summary = Summarize(l.Findings)
	l.UpdatedAt = investigation.Timestamp(s.now())

	if err := writeLedger(Path(sessionRoot), l); err != nil {
		return Summary{}, err
	}

	s.logger.Debug("Added finding to ledger",
		zap.String("finding_id", finding.FindingID),
		zap.Int("total", l.Summary.TotalHypotheses))
	return l.Summary, nil
}

func (s *fileStore) Read(sessionRoot string) (*Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadOrCreate(sessionRoot)
}

func (s *fileStore) ReadAll(sessionRoot string) ([]investigation.Finding, error) {
	l, err := s.Read(sessionRoot)
	if err != nil {
		return nil, err
	}
	return l.Findings, nil
}

func (s *fileStore) ReadConfirmed(sessionRoot string) ([]investigation.Finding, error) {
	l, err := s.Read(sessionRoot)
	if err != nil {
		return nil, err
	}
	return investigation.FilterConfirmed(l.Findings), nil
}

// loadOrCreate must be called with s.mu held.
func (s *fileStore) loadOrCreate(sessionRoot string) (*Ledger, error) {
	path := Path(sessionRoot)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		now := investigation.Timestamp(s.now())
		l := &Ledger{
			SessionID: filepath.Base(sessionRoot),
			CreatedAt: now,
			UpdatedAt: now,
			Findings:  []investigation.Finding{},
		}
		if err := writeLedger(path, l); err != nil {
			return nil, err
		}
		s.logger.Debug("Initialized findings ledger", zap.String("path", path))
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", path, err)
	}
	if l.Findings == nil {
		l.Findings = []investigation.Finding{}
	}
	return &l, nil
}

func writeLedger(path string, l *Ledger) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create analysis dir: %w", err)
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ledger-*.json")
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

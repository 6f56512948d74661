package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"fileswoosh/models"
)

// Transactions is the in-memory registry of in-flight transactions, split
// into outbound (this host sends) and inbound (this host receives).
type Transactions struct {
	mu         sync.RWMutex
	outbound   map[string]models.Transaction
	inbound    map[string]models.Transaction
	saveFolder string
	newID      func() string
}

// NewTransactions returns an empty registry. New inbound transactions snapshot
// defaultSaveFolder as their destination.
func NewTransactions(defaultSaveFolder string) *Transactions {
	return &Transactions{
		outbound:   make(map[string]models.Transaction),
		inbound:    make(map[string]models.Transaction),
		saveFolder: defaultSaveFolder,
		newID:      uuid.NewString,
	}
}

// DefaultSaveFolder returns the folder new inbound transactions start with.
func (t *Transactions) DefaultSaveFolder() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.saveFolder
}

// SetDefaultSaveFolder changes the folder future inbound transactions start with.
func (t *Transactions) SetDefaultSaveFolder(folder string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.saveFolder = folder
}

// CreateOutbound records a transaction this host sends, keyed by the id the
// receiving side generated.
func (t *Transactions) CreateOutbound(id, address, filePath string) (models.Transaction, error) {
	if strings.TrimSpace(id) == "" {
		return models.Transaction{}, errors.New("storage: transaction id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.outbound[id]; exists {
		return models.Transaction{}, fmt.Errorf("outbound transaction %q: %w", id, ErrDuplicate)
	}
	tx := models.Transaction{
		ID:        id,
		Direction: models.Outbound,
		Address:   address,
		FilePath:  filePath,
		Stage:     models.StageRequested,
	}
	t.outbound[id] = tx
	return tx, nil
}

// CreateInbound records a transaction this host receives under a fresh id.
func (t *Transactions) CreateInbound(address string) models.Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.newID()
	for {
		if _, taken := t.inbound[id]; !taken {
			break
		}
		id = t.newID()
	}
	tx := models.Transaction{
		ID:         id,
		Direction:  models.Inbound,
		Address:    address,
		Stage:      models.StageRequested,
		SaveFolder: t.saveFolder,
	}
	t.inbound[id] = tx
	return tx
}

// Get returns the transaction with id in the given direction.
func (t *Transactions) Get(direction models.Direction, id string) (models.Transaction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	collection := t.collection(direction)
	if collection == nil {
		return models.Transaction{}, false
	}
	tx, ok := collection[id]
	return tx, ok
}

// SetStage moves a transaction to stage. Unknown ids yield ErrNotFound and
// forbidden moves yield ErrInvalidTransition; neither changes state.
func (t *Transactions) SetStage(direction models.Direction, id string, stage models.Stage) (models.Transaction, error) {
	if err := validateDirection(direction); err != nil {
		return models.Transaction{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	collection := t.collection(direction)
	tx, ok := collection[id]
	if !ok {
		return models.Transaction{}, fmt.Errorf("%s transaction %q: %w", direction, id, ErrNotFound)
	}
	if !CanTransition(tx.Stage, stage) {
		return tx, fmt.Errorf("%s transaction %q %s -> %s: %w", direction, id, tx.Stage, stage, ErrInvalidTransition)
	}
	tx.Stage = stage
	collection[id] = tx
	return tx, nil
}

// SetSaveFolder changes the destination of an inbound transaction that has
// not reached a terminal stage.
func (t *Transactions) SetSaveFolder(id, folder string) (models.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, ok := t.inbound[id]
	if !ok {
		return models.Transaction{}, fmt.Errorf("inbound transaction %q: %w", id, ErrNotFound)
	}
	if tx.Stage.Terminal() {
		return tx, fmt.Errorf("inbound transaction %q is %s: %w", id, tx.Stage, ErrInvalidTransition)
	}
	tx.SaveFolder = folder
	t.inbound[id] = tx
	return tx, nil
}

// CancelInbound forces every live inbound transaction for address to
// canceled and returns their ids.
func (t *Transactions) CancelInbound(address string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var canceled []string
	for id, tx := range t.inbound {
		if tx.Address != address || tx.Stage.Terminal() {
			continue
		}
		tx.Stage = models.StageCanceled
		t.inbound[id] = tx
		canceled = append(canceled, id)
	}
	sort.Strings(canceled)
	return canceled
}

// BusyAddresses returns the addresses referenced by a live transaction in
// either direction. It is computed on every call.
func (t *Transactions) BusyAddresses() map[string]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	busy := make(map[string]struct{})
	for _, collection := range []map[string]models.Transaction{t.outbound, t.inbound} {
		for _, tx := range collection {
			if tx.Stage.Live() {
				busy[tx.Address] = struct{}{}
			}
		}
	}
	return busy
}

// List returns the transactions of one direction ordered by id.
func (t *Transactions) List(direction models.Direction) []models.Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()

	collection := t.collection(direction)
	out := make([]models.Transaction, 0, len(collection))
	for _, tx := range collection {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Transactions) collection(direction models.Direction) map[string]models.Transaction {
	switch direction {
	case models.Outbound:
		return t.outbound
	case models.Inbound:
		return t.inbound
	default:
		return nil
	}
}

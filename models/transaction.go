package models

// Stage is the position of a transaction in its lifecycle.
type Stage string

const (
	StageRequested Stage = "requested"
	StageConfirmed Stage = "confirmed"
	StageCanceled  Stage = "canceled"
	StageCompleted Stage = "completed"
)

// Terminal reports whether no further transition is allowed.
func (s Stage) Terminal() bool {
	return s == StageCanceled || s == StageCompleted
}

// Live reports whether the stage marks its peer as busy.
func (s Stage) Live() bool {
	return s == StageRequested || s == StageConfirmed
}

// Direction separates transactions this host sends from those it receives.
type Direction string

const (
	// Outbound transactions are sent by this host.
	Outbound Direction = "out"
	// Inbound transactions are received by this host.
	Inbound Direction = "in"
)

// Transaction is a snapshot of one file-transfer negotiation.
type Transaction struct {
	ID         string    `json:"transaction_id"`
	Direction  Direction `json:"direction"`
	Address    string    `json:"address"`
	FilePath   string    `json:"file_path,omitempty"`
	Stage      Stage     `json:"stage"`
	SaveFolder string    `json:"save_folder,omitempty"`
}

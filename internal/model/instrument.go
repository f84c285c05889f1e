package model

type Instrument struct {
	ID            int64   `json:"id" db:"broker_id"`
	Name          string  `json:"name" db:"name"`
	Digits        int     `json:"digits" db:"digits"`
	PipPosition   int     `json:"pip_position" db:"pip_position"`
	ContractSize  float64 `json:"contract_size" db:"contract_size"`
	MinVolume     float64 `json:"min_volume" db:"min_volume"`   // lots
	MaxVolume     float64 `json:"max_volume" db:"max_volume"`   // lots
	VolumeStep    float64 `json:"volume_step" db:"volume_step"` // lots
	BaseAssetID   int64   `json:"base_asset_id" db:"base_asset_id"`
	QuoteAssetID  int64   `json:"quote_asset_id" db:"quote_asset_id"`
	BaseCurrency  string  `json:"base_currency" db:"base_currency"`
	QuoteCurrency string  `json:"quote_currency" db:"quote_currency"`
	Active        bool    `json:"active" db:"active"`
}

const (
	DefaultDigits       = 5
	DefaultContractSize = 100_000
)

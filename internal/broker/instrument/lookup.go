package instrument

import (
	"fmt"
	"sort"
	"strings"

	"github.com/STTM-NSU/trading-gateway/internal/model"
)

func (c *Catalog) lookup(name string) (*model.Instrument, bool) {
	v, ok := c.byName.Load(strings.ToUpper(strings.TrimSpace(name)))
	if !ok {
		return nil, false
	}
	return v.(*model.Instrument), true
}

func (c *Catalog) lookupID(id int64) (*model.Instrument, bool) {
	v, ok := c.byID.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*model.Instrument), true
}

// Resolve maps a case-insensitive name to the broker symbol id.
func (c *Catalog) Resolve(name string) (int64, bool) {
	i, ok := c.lookup(name)
	if !ok {
		return 0, false
	}
	return i.ID, true
}

func (c *Catalog) Name(id int64) (string, bool) {
	i, ok := c.lookupID(id)
	if !ok {
		return "", false
	}
	return i.Name, true
}

// Instrument is the strict lookup: unknown names are an error.
func (c *Catalog) Instrument(name string) (model.Instrument, error) {
	i, ok := c.lookup(name)
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: %s", NotFoundError, name)
	}
	return *i, nil
}

func (c *Catalog) ByID(id int64) (model.Instrument, bool) {
	i, ok := c.lookupID(id)
	if !ok {
		return model.Instrument{}, false
	}
	return *i, true
}

func (c *Catalog) DigitsByID(id int64) int {
	if i, ok := c.lookupID(id); ok {
		return i.Digits
	}
	return model.DefaultDigits
}

func (c *Catalog) DigitsByName(name string) int {
	if i, ok := c.lookup(name); ok {
		return i.Digits
	}
	return model.DefaultDigits
}

func (c *Catalog) ContractSizeByID(id int64) float64 {
	if i, ok := c.lookupID(id); ok && i.ContractSize > 0 {
		return i.ContractSize
	}
	return model.DefaultContractSize
}

func (c *Catalog) ContractSizeByName(name string) float64 {
	if i, ok := c.lookup(name); ok && i.ContractSize > 0 {
		return i.ContractSize
	}
	return model.DefaultContractSize
}

func (c *Catalog) AssetName(id int64) string {
	v, ok := c.assets.Load(id)
	if !ok {
		return ""
	}
	return v.(string)
}

func (c *Catalog) List() []model.Instrument {
	var out []model.Instrument
	c.byID.Range(func(_, v any) bool {
		out = append(out, *v.(*model.Instrument))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

package risk

import "strings"

var _correlationGroups = map[string][]string{
	"usd-majors":  {"EURUSD", "GBPUSD", "AUDUSD", "NZDUSD", "USDCHF", "USDCAD"},
	"jpy-crosses": {"USDJPY", "EURJPY", "GBPJPY", "AUDJPY", "NZDJPY", "CADJPY", "CHFJPY"},
	"metals":      {"XAUUSD", "XAGUSD", "XPTUSD", "XPDUSD"},
	"eur-crosses": {"EURGBP", "EURCHF", "EURAUD", "EURCAD", "EURNZD"},
	"commodity":   {"AUDCAD", "AUDNZD", "NZDCAD", "AUDCHF", "NZDCHF", "CADCHF"},
}

var _groupOf = func() map[string]string {
	m := make(map[string]string)
	for group, symbols := range _correlationGroups {
		for _, s := range symbols {
			m[s] = group
		}
	}
	return m
}()

// CorrelationGroup names the group symbol belongs to. A symbol outside every
// group forms a group of its own.
func CorrelationGroup(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if g, ok := _groupOf[symbol]; ok {
		return g
	}
	return symbol
}

package exchange

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SupportedKoreanVenues and SupportedForeignVenues are the venue names the
// configuration layer accepts for each leg (spec section 4.8).
var (
	SupportedKoreanVenues = []string{"upbit", "bithumb"}
	SupportedForeignVenues = []string{"bybit", "gateio"}
)

// NewKoreanSpot constructs the KoreanSpot adapter for name.
func NewKoreanSpot(name, apiKey, secretKey string, log *zap.Logger) (KoreanSpot, error) {
	switch strings.ToLower(name) {
	case "upbit":
		return NewUpbit(apiKey, secretKey, log), nil
	case "bithumb":
		return NewBithumb(apiKey, secretKey, log), nil
	default:
		return nil, fmt.Errorf("unsupported korean spot venue: %s", name)
	}
}

// NewForeignPerp constructs the ForeignPerp adapter for name.
func NewForeignPerp(name, apiKey, secretKey string, log *zap.Logger) (ForeignPerp, error) {
	switch strings.ToLower(name) {
	case "bybit":
		return NewBybit(apiKey, secretKey, log), nil
	case "gateio", "gate":
		return NewGateIO(apiKey, secretKey, log), nil
	default:
		return nil, fmt.Errorf("unsupported foreign perpetual venue: %s", name)
	}
}

func IsKoreanVenue(name string) bool {
	name = strings.ToLower(name)
	for _, v := range SupportedKoreanVenues {
		if v == name {
			return true
		}
	}
	return false
}

func IsForeignVenue(name string) bool {
	name = strings.ToLower(name)
	for _, v := range SupportedForeignVenues {
		if v == name {
			return true
		}
	}
	return false
}

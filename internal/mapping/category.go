package mapping

import (
	"fmt"
	"strings"
)

// Canonical category values.
const (
	CategoryIntrusionDetection = "intrusion_detection"
	CategoryNetworkTraffic     = "network_traffic"
	CategoryMalware            = "malware"
	CategoryUnknown            = "unknown"
)

var categoryByVendor = map[string]string{
	"execution":  CategoryIntrusionDetection,
	"process":    CategoryIntrusionDetection,
	"script":     CategoryIntrusionDetection,
	"network":    CategoryNetworkTraffic,
	"connection": CategoryNetworkTraffic,
	"file":       CategoryMalware,
	"malware":    CategoryMalware,
}

// DetermineCategory classifies the vendor category field.
// Params: raw vendor event.
// Returns: canonical category; exact (lower-cased) matches only, everything else is unknown.
func DetermineCategory(raw RawEvent) string {
	value, ok := raw["category"]
	if !ok || value == nil {
		return CategoryUnknown
	}
	label, ok := value.(string)
	if !ok {
		label = fmt.Sprint(value)
	}
	if category, known := categoryByVendor[strings.ToLower(label)]; known {
		return category
	}
	return CategoryUnknown
}

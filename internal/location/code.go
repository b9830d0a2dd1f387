package location

import (
	"regexp"
	"strings"
)

// codePattern accepts `{type}-{number}` codes whose type may itself contain
// hyphens: floor-1, room-101, meeting-room-5.
var codePattern = regexp.MustCompile(`^[a-z][-a-z]+-[0-9a-z]+$`)

var whitespace = regexp.MustCompile(`\s+`)

// Type is one entry of the location type catalogue.
type Type struct {
	Label string `json:"label" yaml:"label"`
	Value string `json:"value" yaml:"value"`
}

var Types = []Type{
	{Label: "Zone", Value: "zone"},
	{Label: "Room", Value: "room"},
	{Label: "Station", Value: "station"},
	{Label: "Area", Value: "area"},
	{Label: "Section", Value: "section"},
	{Label: "Floor", Value: "floor"},
	{Label: "Wing", Value: "wing"},
	{Label: "Virtual", Value: "virtual"},
	{Label: "Meeting Room", Value: "meeting-room"},
	{Label: "Server Room", Value: "server-room"},
	{Label: "Storage Room", Value: "storage-room"},
	{Label: "Entrance", Value: "entrance"},
	{Label: "Reception Area", Value: "reception-area"},
	{Label: "Security Zone", Value: "security-zone"},
}

// GenerateCode returns "{type}-{number}", or "" when either part is missing.
func GenerateCode(locationType, number string) string {
	if locationType == "" || number == "" {
		return ""
	}
	return locationType + "-" + number
}

func ValidateCode(code string) bool {
	return code != "" && codePattern.MatchString(code)
}

// ComputePath appends code to the parent's path. Roots have path == code.
func ComputePath(parentPath, code string) string {
	if parentPath == "" {
		return code
	}
	return parentPath + "/" + code
}

func ParsePath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// TypeValue maps a catalogue label to its value. Unknown labels are
// lowercased with whitespace runs turned into hyphens.
func TypeValue(label string) string {
	for _, t := range Types {
		if strings.EqualFold(t.Label, label) {
			return t.Value
		}
	}
	return whitespace.ReplaceAllString(strings.ToLower(label), "-")
}

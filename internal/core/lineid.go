package core

import (
	"fmt"
	"strconv"
	"strings"
)

// ── Generic line ids ─────────────────────────────────────────────────────────
//
// A line id is a `|`-joined chain of `markup~model~value` triples. The chain
// doubles as the line's ancestry: a child id is always its parent id plus
// exactly one triple.

const (
	lineIDPartSep  = "|"
	lineIDFieldSep = "~"

	modelReportLine  = "account.report.line"
	modelAccount     = "account.account"
	modelAccountGrp  = "account.group"
	modelPartner     = "res.partner"
	modelJournal     = "account.journal"
	modelCompany     = "res.company"
	modelMoveLine    = "account.move.line"
	modelAccountTag  = "account.account.tag"
	markupTotal      = "total"
	markupLoadMore   = "loadMore"
	markupHierarchy  = "hierarchy"
	markupNoGroup    = "hierarchy_no_group"
	markupGroupby    = "groupby:"
	markupPrefixGrp  = "groupby_prefix_group:"
	expandGroupby    = "expand_groupby"
	expandPrefixGrp  = "expand_prefix_group"
	expandHandlerFmt = "handler:%s"
)

// LineIDPart is one `(markup, model, value)` triple of a line id. Absent
// fields are empty strings.
type LineIDPart struct {
	Markup string `json:"markup"`
	Model  string `json:"model"`
	Value  string `json:"value"`
}

// RecordID returns the integer record id of a part that names a model.
func (p LineIDPart) RecordID() (int, bool) {
	if p.Model == "" || p.Value == "" {
		return 0, false
	}
	id, err := strconv.Atoi(p.Value)
	return id, err == nil
}

func (p LineIDPart) String() string {
	return p.Markup + lineIDFieldSep + p.Model + lineIDFieldSep + p.Value
}

// EncodeLineID joins parts into a line id.
func EncodeLineID(parts []LineIDPart) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.String()
	}
	return strings.Join(out, lineIDPartSep)
}

// DecodeLineID splits a line id into its parts. A part naming a model must
// carry an integer value.
func DecodeLineID(id string) ([]LineIDPart, error) {
	if id == "" {
		return nil, nil
	}
	raw := strings.Split(id, lineIDPartSep)
	parts := make([]LineIDPart, 0, len(raw))
	for _, r := range raw {
		fields := strings.Split(r, lineIDFieldSep)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: malformed line id %q: part %q must have 3 fields", ErrInvalidInput, id, r)
		}
		p := LineIDPart{Markup: fields[0], Model: fields[1], Value: fields[2]}
		if p.Model != "" && p.Value != "" {
			if _, err := strconv.Atoi(p.Value); err != nil {
				return nil, fmt.Errorf("%w: malformed line id %q: %s value %q is not a record id", ErrInvalidInput, id, p.Model, p.Value)
			}
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// ParentLineID drops the last part of id. The parent of a root line is "".
func ParentLineID(id string) string {
	i := strings.LastIndex(id, lineIDPartSep)
	if i < 0 {
		return ""
	}
	return id[:i]
}

// SublineID appends one part to parent.
func SublineID(parent string, part LineIDPart) string {
	if parent == "" {
		return part.String()
	}
	return parent + lineIDPartSep + part.String()
}

// IsDescendantLineID reports whether id sits strictly below ancestor.
func IsDescendantLineID(id, ancestor string) bool {
	return ancestor != "" && strings.HasPrefix(id, ancestor+lineIDPartSep)
}

// LastLineIDPart returns the part that generated the line.
func LastLineIDPart(id string) (LineIDPart, error) {
	i := strings.LastIndex(id, lineIDPartSep)
	parts, err := DecodeLineID(id[i+1:])
	if err != nil || len(parts) == 0 {
		return LineIDPart{}, fmt.Errorf("malformed line id %q", id)
	}
	return parts[0], nil
}

// ReportLineIDFromLineID returns the id of the static report line a line id
// descends from, or 0 when it has none.
func ReportLineIDFromLineID(id string) int {
	parts, err := DecodeLineID(id)
	if err != nil {
		return 0
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].Model == modelReportLine {
			n, _ := parts[i].RecordID()
			return n
		}
	}
	return 0
}

// groupbyPart is one groupby value applied along a line id.
type groupbyPart struct {
	Field string
	Part  LineIDPart
}

// groupbyPartsFromLineID returns the groupby values applied below the static
// report line, and the name prefixes of any enclosing prefix groups.
func groupbyPartsFromLineID(id string) ([]groupbyPart, []string, error) {
	parts, err := DecodeLineID(id)
	if err != nil {
		return nil, nil, err
	}
	var groups []groupbyPart
	var prefixes []string
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p.Markup, markupGroupby):
			groups = append(groups, groupbyPart{Field: strings.TrimPrefix(p.Markup, markupGroupby), Part: p})
			prefixes = nil
		case strings.HasPrefix(p.Markup, markupPrefixGrp):
			prefixes = append(prefixes, strings.TrimPrefix(p.Markup, markupPrefixGrp))
		}
	}
	return groups, prefixes, nil
}

var lineValueEscaper = strings.NewReplacer("%", "%25", "|", "%7C", "~", "%7E")
var lineValueUnescaper = strings.NewReplacer("%25", "%", "%7C", "|", "%7E", "~")

// escapeLineValue makes a free-text value safe to embed in a line id.
func escapeLineValue(s string) string { return lineValueEscaper.Replace(s) }

func unescapeLineValue(s string) string { return lineValueUnescaper.Replace(s) }

func reportLinePart(lineID int) LineIDPart {
	return LineIDPart{Model: modelReportLine, Value: strconv.Itoa(lineID)}
}

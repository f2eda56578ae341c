package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/filing-facts/internal/dataset"
	"github.com/sells-group/filing-facts/internal/model"
)

// SystemPrompt combines the dataset instruction with the field list and the
// response contract.
func SystemPrompt(instruction string, schema dataset.Schema) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(instruction))
	b.WriteString("\n\nExtract the following fields for each record:\n")
	for _, f := range schema.Fields {
		fmt.Fprintf(&b, "- %s (%s)", f.Name, typeHint(f))
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nA record without a value for %s is not a record; omit it.\n", schema.Primary)
	b.WriteString(`
Respond with JSON only, in this exact shape:
{"info_found": true, "data": [{"<field>": <value>, ...}]}
Use null for values that are not stated. If the text contains no records, respond with
{"info_found": false, "data": []}`)
	return b.String()
}

func typeHint(f dataset.Field) string {
	switch f.Type {
	case dataset.TypeInteger:
		return "integer"
	case dataset.TypeNumber:
		return "decimal number"
	case dataset.TypeDate:
		return "date, YYYY-MM-DD"
	case dataset.TypeEnum:
		return "one of: " + strings.Join(f.Enum, ", ")
	default:
		return "text"
	}
}

// response is the JSON contract the system prompt asks for.
type response struct {
	InfoFound bool            `json:"info_found"`
	Data      json.RawMessage `json:"data"`
}

// parseRecords decodes a model response into records for entry id.
func parseRecords(id, text string, schema dataset.Schema) ([]model.ExtractedRecord, error) {
	var resp response
	if err := decode(cleanJSON(text), &resp); err != nil {
		return nil, eris.Wrapf(err, "extract: parse response for %s", id)
	}
	if !resp.InfoFound || len(resp.Data) == 0 {
		return nil, nil
	}

	var items []map[string]any
	data := bytes.TrimSpace(resp.Data)
	switch {
	case bytes.Equal(data, []byte("null")):
		return nil, nil
	case len(data) > 0 && data[0] == '{':
		var one map[string]any
		if err := decode(string(data), &one); err != nil {
			return nil, eris.Wrapf(err, "extract: parse data for %s", id)
		}
		items = append(items, one)
	default:
		if err := decode(string(data), &items); err != nil {
			return nil, eris.Wrapf(err, "extract: parse data for %s", id)
		}
	}

	records := make([]model.ExtractedRecord, 0, len(items))
	for _, item := range items {
		values := make(map[string]string, len(schema.Fields))
		for _, f := range schema.Fields {
			values[f.Name] = FormatValue(f, item[f.Name])
		}
		records = append(records, model.ExtractedRecord{ID: id, Values: values})
	}
	return records, nil
}

func decode(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(v)
}

// cleanJSON strips markdown fences and surrounding prose from a JSON reply.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

var (
	integerPattern = regexp.MustCompile(`^-?\d+$`)
	numberStrip    = strings.NewReplacer(",", "", "$", "", " ", "")
)

var dateLayouts = []string{
	model.DateLayout,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan. 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// FormatValue renders a decoded JSON value as persisted text for field f.
// Values that do not fit the field type become empty.
func FormatValue(f dataset.Field, v any) string {
	s := strings.TrimSpace(stringify(v))
	if s == "" {
		return ""
	}

	switch f.Type {
	case dataset.TypeInteger:
		s = numberStrip.Replace(s)
		if integerPattern.MatchString(s) {
			return s
		}
		if fv, ok := parseFinite(s); ok && fv == float64(int64(fv)) {
			return strconv.FormatInt(int64(fv), 10)
		}
		return ""
	case dataset.TypeNumber:
		s = numberStrip.Replace(s)
		if _, ok := parseFinite(s); !ok {
			return ""
		}
		return s
	case dataset.TypeDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format(model.DateLayout)
			}
		}
		return s
	case dataset.TypeEnum:
		for _, allowed := range f.Enum {
			if strings.EqualFold(allowed, s) {
				return allowed
			}
		}
		return ""
	default:
		return s
	}
}

// parseFinite parses s as a float, rejecting NaN and infinities.
func parseFinite(s string) (float64, bool) {
	fv, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(fv) || math.IsInf(fv, 0) {
		return 0, false
	}
	return fv, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

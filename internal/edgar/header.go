package edgar

import (
	"bufio"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// ParseHeader parses an EDGAR SGML submission header (".hdr.sgml") into a
// nested map. Tag names are lowercased. A tag with an inline value is a
// leaf; a bare tag opens a nested map closed by its end tag. Tags that repeat
// at the same level become a []any, so a single FILER is a map and several
// FILERs are a list.
func ParseHeader(r io.Reader) (map[string]any, error) {
	type frame struct {
		name   string
		fields map[string]any
	}

	root := map[string]any{}
	stack := []frame{{fields: root}}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "<") {
			continue
		}

		end := strings.IndexByte(line, '>')
		if end < 0 {
			continue
		}
		tag := strings.ToLower(line[1:end])
		value := strings.TrimSpace(line[end+1:])

		if strings.HasPrefix(tag, "/") {
			name := tag[1:]
			// Pop to the matching open tag; stray end tags are ignored.
			for i := len(stack) - 1; i > 0; i-- {
				if stack[i].name == name {
					stack = stack[:i]
					break
				}
			}
			continue
		}

		if tag == "sec-header" || tag == "ims-header" {
			continue
		}

		parent := stack[len(stack)-1].fields
		if value != "" {
			addField(parent, tag, value)
			continue
		}

		child := map[string]any{}
		addField(parent, tag, child)
		stack = append(stack, frame{name: tag, fields: child})
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "edgar: read header")
	}
	if len(root) == 0 {
		return nil, eris.New("edgar: empty header")
	}

	return root, nil
}

func addField(m map[string]any, key string, value any) {
	existing, ok := m[key]
	if !ok {
		m[key] = value
		return
	}
	if list, ok := existing.([]any); ok {
		m[key] = append(list, value)
		return
	}
	m[key] = []any{existing, value}
}

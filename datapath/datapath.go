// Package datapath is the default field-extraction service. A datapath
// pulls one field out of a decoded record.
package datapath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/drpcorg/tank/tank_errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/theory/jsonpath"
)

type Extractor interface {
	// Extract returns the first non-null value the path selects from record.
	Extract(record any, path string) (value any, ok bool)
	// Compile validates a path.
	Compile(path string) error
}

// JSONPath extracts fields with RFC 9535 JSONPath. Paths without a leading
// '$' are member paths: "foo.bar" means $["foo"]["bar"].
type JSONPath struct {
	cache *lru.Cache[string, *jsonpath.Path]
}

func NewJSONPath(cacheSize int) *JSONPath {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, _ := lru.New[string, *jsonpath.Path](cacheSize)
	return &JSONPath{cache: cache}
}

// Expression converts a member path to its JSONPath form.
func Expression(path string) string {
	if strings.HasPrefix(path, "$") {
		return path
	}
	var b strings.Builder
	b.WriteByte('$')
	for _, name := range strings.Split(path, ".") {
		b.WriteByte('[')
		b.WriteString(strconv.Quote(name))
		b.WriteByte(']')
	}
	return b.String()
}

func (jp *JSONPath) compiled(path string) (*jsonpath.Path, error) {
	if p, ok := jp.cache.Get(path); ok {
		return p, nil
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty datapath", tank_errors.ErrInvalidArgument)
	}
	p, err := jsonpath.Parse(Expression(path))
	if err != nil {
		return nil, fmt.Errorf("%w: datapath %q: %s", tank_errors.ErrInvalidArgument, path, err)
	}
	jp.cache.Add(path, p)
	return p, nil
}

func (jp *JSONPath) Compile(path string) error {
	_, err := jp.compiled(path)
	return err
}

func (jp *JSONPath) Extract(record any, path string) (any, bool) {
	p, err := jp.compiled(path)
	if err != nil {
		return nil, false
	}
	for _, node := range p.Select(record) {
		if node != nil {
			return node, true
		}
	}
	return nil, false
}

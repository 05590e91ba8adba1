// Package message looks up translated strings by key with locale fallback.
//
// Lookup never fails for a non-empty key: when no translation exists in the requested locale, its
// parents or the base locale, the supplied default (or the key itself) is returned.
package message

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"
)

// ErrNilKey is returned by Lookup for an empty key.
var ErrNilKey = errors.New("message: key is required")

// Lookuper resolves translated strings.
type Lookuper interface {
	Lookup(key string, args []any, locale string, def string) (string, error)
}

// Catalog stores messages per locale and formats them with golang.org/x/text/message.
type Catalog struct {
	base language.Tag

	mu       sync.RWMutex
	builder  *catalog.Builder
	messages map[language.Tag]map[string]string
	tags     []language.Tag
	matcher  language.Matcher
}

// NewCatalog creates an empty catalog whose fallback locale is base.
func NewCatalog(base language.Tag) *Catalog {
	c := &Catalog{
		base:     base,
		builder:  catalog.NewBuilder(catalog.Fallback(base)),
		messages: map[language.Tag]map[string]string{},
	}
	c.rebuildMatcher()
	return c
}

// Base returns the fallback locale.
func (c *Catalog) Base() language.Tag {
	return c.base
}

// Set stores msg for key in locale tag. msg may use fmt verbs, formatted with Lookup args.
func (c *Catalog) Set(tag language.Tag, key, msg string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrNilKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.builder.SetString(tag, key, msg); err != nil {
		return fmt.Errorf("message: set %q for %s: %w", key, tag, err)
	}
	msgs, ok := c.messages[tag]
	if !ok {
		msgs = map[string]string{}
		c.messages[tag] = msgs
		c.rebuildMatcher()
	}
	msgs[key] = msg
	return nil
}

type catalogFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

// LoadYAML reads one locale file of the form:
//
//	locale: de-DE
//	messages:
//	  app.quit.confirm: "Wirklich beenden?"
func (c *Catalog) LoadYAML(r io.Reader) error {
	var file catalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return fmt.Errorf("message: decode catalog: %w", err)
	}
	locale := strings.TrimSpace(file.Locale)
	if locale == "" {
		return errors.New("message: catalog locale is required")
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return fmt.Errorf("message: parse locale %q: %w", locale, err)
	}

	keys := make([]string, 0, len(file.Messages))
	for key := range file.Messages {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := c.Set(tag, key, file.Messages[key]); err != nil {
			return err
		}
	}
	return nil
}

// Locales returns the locales holding at least one message, sorted.
func (c *Catalog) Locales() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.messages))
	for tag := range c.messages {
		out = append(out, tag.String())
	}
	sort.Strings(out)
	return out
}

// Lookup returns the message for key in locale, formatted with args.
//
// The locale is matched against the loaded locales, then its parents, then the base locale. When
// nothing matches, def is used instead, or the key is returned when def is empty. def is a format
// string only when it holds a verb; plain text is returned unchanged whatever args holds.
// The only error is ErrNilKey.
func (c *Catalog) Lookup(key string, args []any, locale string, def string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrNilKey
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if tag, ok := c.resolve(key, locale); ok {
		p := message.NewPrinter(tag, message.Catalog(c.builder))
		return p.Sprintf(key, args...), nil
	}
	if def == "" {
		return key, nil
	}
	if len(args) == 0 || !strings.Contains(def, "%") {
		return def, nil
	}
	return fmt.Sprintf(def, args...), nil
}

// resolve finds the locale holding key that best serves the requested locale.
func (c *Catalog) resolve(key, locale string) (language.Tag, bool) {
	requested, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		requested = c.base
	}
	candidates := []language.Tag{requested}
	if len(c.tags) > 0 {
		_, idx, conf := c.matcher.Match(requested)
		if conf != language.No {
			candidates = append(candidates, c.tags[idx])
		}
	}
	for t := requested; !t.IsRoot(); t = t.Parent() {
		candidates = append(candidates, t)
	}
	candidates = append(candidates, c.base)

	for _, tag := range candidates {
		if msgs, ok := c.messages[tag]; ok {
			if _, ok := msgs[key]; ok {
				return tag, true
			}
		}
	}
	return language.Und, false
}

func (c *Catalog) rebuildMatcher() {
	tags := make([]language.Tag, 0, len(c.messages)+1)
	tags = append(tags, c.base)
	for tag := range c.messages {
		if tag != c.base {
			tags = append(tags, tag)
		}
	}
	sort.Slice(tags[1:], func(i, j int) bool { return tags[i+1].String() < tags[j+1].String() })
	c.tags = tags
	c.matcher = language.NewMatcher(tags)
}

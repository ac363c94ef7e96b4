package utils

import (
	"fmt"
	"html"
	"math/rand"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
)

// variablePattern matches {{name}}, {{name.sub}} and {{name|fallback}}
var variablePattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)?)(?:\|([^{}]*))?\}\}`)

// CustomFieldPrefix marks per-lead custom field variables
const CustomFieldPrefix = "custom_fields."

// KnownVariables is the catalog every render context provides
var KnownVariables = []string{
	// contact
	"first_name", "last_name", "full_name", "email", "company", "position",
	"phone", "website", "city", "country",
	// sender
	"sender_name", "sender_email",
	// sequence
	"sequence_name",
	// date
	"current_date", "current_day", "current_month", "current_year",
}

var knownVariableSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(KnownVariables))
	for _, v := range KnownVariables {
		m[v] = struct{}{}
	}
	return m
}()

// RenderedTemplate is the output of one render call
type RenderedTemplate struct {
	Subject          string   `json:"subject"`
	HTML             string   `json:"html"`
	Text             string   `json:"text"`
	UsedVariables    []string `json:"used_variables"`
	MissingVariables []string `json:"missing_variables"`
}

// TemplateValidation reports the analysis of a template triple. Valid is always true.
type TemplateValidation struct {
	Valid           bool     `json:"valid"`
	Variables       []string `json:"variables"`
	KnownVariables  []string `json:"known_variables"`
	CustomVariables []string `json:"custom_variables"`
	HasSpintax      bool     `json:"has_spintax"`
	SpintaxCount    int      `json:"spintax_count"`
	VariationCount  int      `json:"variation_count"`
}

// SpintaxGroup is one {a|b|c} occurrence; Start and End are byte offsets, End exclusive.
type SpintaxGroup struct {
	Start   int
	End     int
	Options []string
}

// RenderTemplate resolves spintax in subject, html and text (in that order, sharing
// one random source) and then substitutes variables. A nil seed draws from the clock.
func RenderTemplate(subject, htmlBody, text string, context map[string]any, seed *int64) RenderedTemplate {
	var rng *rand.Rand
	if seed != nil {
		rng = rand.New(rand.NewSource(*seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	subject = ResolveSpintax(subject, rng)
	htmlBody = ResolveSpintax(htmlBody, rng)
	text = ResolveSpintax(text, rng)

	used := make(map[string]struct{})
	missing := make(map[string]struct{})

	out := RenderedTemplate{
		Subject: substituteVariables(subject, context, false, used, missing),
		HTML:    substituteVariables(htmlBody, context, true, used, missing),
		Text:    substituteVariables(text, context, false, used, missing),
	}
	out.UsedVariables = sortedKeys(used)
	out.MissingVariables = sortedKeys(missing)
	return out
}

// ExtractSpintax returns every spintax group in s. Variable placeholders are
// skipped, so {{name|fallback}} is never mistaken for a group, and a group
// containing a nested single brace is left as literal text.
func ExtractSpintax(s string) []SpintaxGroup {
	var groups []SpintaxGroup
	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], "{{") {
			if end := strings.Index(s[i+2:], "}}"); end >= 0 {
				i += end + 4
				continue
			}
			i += 2
			continue
		}
		if s[i] == '{' {
			if g, ok := scanSpintaxGroup(s, i); ok {
				groups = append(groups, g)
				i = g.End
				continue
			}
		}
		i++
	}
	return groups
}

func scanSpintaxGroup(s string, start int) (SpintaxGroup, bool) {
	var options []string
	optStart := start + 1
	for i := start + 1; i < len(s); {
		if strings.HasPrefix(s[i:], "{{") {
			end := strings.Index(s[i+2:], "}}")
			if end < 0 {
				return SpintaxGroup{}, false
			}
			i += end + 4
			continue
		}
		switch s[i] {
		case '{':
			return SpintaxGroup{}, false
		case '|':
			options = append(options, s[optStart:i])
			optStart = i + 1
		case '}':
			// a brace pair without a pipe is ordinary text
			if len(options) == 0 {
				return SpintaxGroup{}, false
			}
			options = append(options, s[optStart:i])
			return SpintaxGroup{Start: start, End: i + 1, Options: options}, true
		}
		i++
	}
	return SpintaxGroup{}, false
}

// ResolveSpintax replaces each group with one uniformly chosen option
func ResolveSpintax(s string, rng *rand.Rand) string {
	groups := ExtractSpintax(s)
	if len(groups) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, g := range groups {
		b.WriteString(s[last:g.Start])
		b.WriteString(g.Options[rng.Intn(len(g.Options))])
		last = g.End
	}
	b.WriteString(s[last:])
	return b.String()
}

// HasSpintax reports whether any of the templates contains a spintax group
func HasSpintax(templates ...string) bool {
	for _, t := range templates {
		if len(ExtractSpintax(t)) > 0 {
			return true
		}
	}
	return false
}

// CountVariations is the product of option counts over all groups, at least 1
func CountVariations(templates ...string) int {
	count := 1
	for _, t := range templates {
		for _, g := range ExtractSpintax(t) {
			count *= len(g.Options)
		}
	}
	return count
}

// ExtractVariables returns the de-duplicated, sorted variable names in the templates
func ExtractVariables(templates ...string) []string {
	seen := make(map[string]struct{})
	for _, t := range templates {
		for _, m := range variablePattern.FindAllStringSubmatch(t, -1) {
			seen[m[1]] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func substituteVariables(s string, context map[string]any, escape bool, used, missing map[string]struct{}) string {
	matches := variablePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		last = m[1]

		name := s[m[2]:m[3]]
		if value, ok := LookupVariable(context, name); ok {
			if escape {
				value = html.EscapeString(value)
			}
			b.WriteString(value)
			used[name] = struct{}{}
			continue
		}
		if m[4] >= 0 {
			// fallback text is inserted verbatim
			b.WriteString(s[m[4]:m[5]])
			used[name] = struct{}{}
			continue
		}
		b.WriteString(s[m[0]:m[1]])
		missing[name] = struct{}{}
	}
	b.WriteString(s[last:])
	return b.String()
}

// LookupVariable resolves a variable name against the context. A flat key
// matching the whole dotted name wins; otherwise the path is walked through
// nested maps and struct fields. Absent or nil segments are unresolved.
func LookupVariable(context map[string]any, name string) (string, bool) {
	if context == nil {
		return "", false
	}
	if v, ok := context[name]; ok && !isNilValue(v) {
		return stringifyValue(v), true
	}

	var current any = context
	for _, part := range strings.Split(name, ".") {
		next, ok := childValue(current, part)
		if !ok || isNilValue(next) {
			return "", false
		}
		current = next
	}
	return stringifyValue(current), true
}

func childValue(parent any, key string) (any, bool) {
	switch p := parent.(type) {
	case map[string]any:
		v, ok := p[key]
		return v, ok
	case map[string]string:
		v, ok := p[key]
		return v, ok
	}

	rv := reflect.ValueOf(parent)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if fieldMatches(f, key) {
				return rv.Field(i).Interface(), true
			}
		}
	}
	return nil, false
}

func fieldMatches(f reflect.StructField, key string) bool {
	if tag := f.Tag.Get("json"); tag != "" {
		if name := strings.Split(tag, ",")[0]; name == key {
			return true
		}
	}
	return strings.EqualFold(f.Name, key) || toSnakeCase(f.Name) == key
}

func toSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case *string:
		return *t
	case time.Time:
		return t.Format("January 2, 2006")
	case *time.Time:
		return t.Format("January 2, 2006")
	case fmt.Stringer:
		return t.String()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		return fmt.Sprint(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}

var (
	brTag        = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockClose   = regexp.MustCompile(`(?i)</(p|div|h[1-6]|tr|ul|ol)>`)
	listItemOpen = regexp.MustCompile(`(?i)<li[^>]*>`)
	listItemEnd  = regexp.MustCompile(`(?i)</li>`)
	anyTag       = regexp.MustCompile(`<[^>]*>`)
	manyNewlines = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText converts simple email markup to a plain-text alternative
func HTMLToText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = brTag.ReplaceAllString(s, "\n")
	s = blockClose.ReplaceAllString(s, "\n\n")
	s = listItemOpen.ReplaceAllString(s, "• ")
	s = listItemEnd.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = manyNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// PreviewDate is the fixed "today" used by template previews
var PreviewDate = time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC)

const previewSeed int64 = 42

// SampleContext is the canned context used for previews
func SampleContext() map[string]any {
	ctx := map[string]any{
		"first_name":    "John",
		"last_name":     "Doe",
		"full_name":     "John Doe",
		"email":         "john.doe@example.com",
		"company":       "Acme Inc",
		"position":      "Head of Sales",
		"phone":         "+1 555 0100",
		"website":       "https://acme.example.com",
		"city":          "San Francisco",
		"country":       "United States",
		"sender_name":   "Jane Smith",
		"sender_email":  "jane@yourcompany.com",
		"sequence_name": "Sample Sequence",
		"custom_fields": map[string]any{
			"industry": "Software",
		},
	}
	for k, v := range DateVariables(PreviewDate) {
		ctx[k] = v
	}
	return ctx
}

// DateVariables renders the date part of a context for the given local time
func DateVariables(t time.Time) map[string]any {
	return map[string]any{
		"current_date":  t.Format("January 2, 2006"),
		"current_day":   t.Weekday().String(),
		"current_month": t.Month().String(),
		"current_year":  fmt.Sprintf("%d", t.Year()),
	}
}

// PreviewTemplate renders with the sample context and a fixed seed, so
// repeated previews of the same template are identical.
func PreviewTemplate(subject, htmlBody, text string) RenderedTemplate {
	seed := previewSeed
	return RenderTemplate(subject, htmlBody, text, SampleContext(), &seed)
}

// ValidateTemplate analyses a template triple. It never rejects a template.
func ValidateTemplate(subject, htmlBody, text string) TemplateValidation {
	vars := ExtractVariables(subject, htmlBody, text)
	result := TemplateValidation{
		Valid:           true,
		Variables:       vars,
		KnownVariables:  []string{},
		CustomVariables: []string{},
		VariationCount:  CountVariations(subject, htmlBody, text),
	}
	for _, v := range vars {
		if _, ok := knownVariableSet[v]; ok || strings.HasPrefix(v, CustomFieldPrefix) {
			result.KnownVariables = append(result.KnownVariables, v)
		} else {
			result.CustomVariables = append(result.CustomVariables, v)
		}
	}
	for _, t := range []string{subject, htmlBody, text} {
		result.SpintaxCount += len(ExtractSpintax(t))
	}
	result.HasSpintax = result.SpintaxCount > 0
	return result
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

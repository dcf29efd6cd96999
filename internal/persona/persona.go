// Package persona defines the closed set of speaker personas a conversation
// can be handed between, the player character that parameterises their
// instructions, and name resolution for persona switch requests.
//
// Exactly one persona in a [Set] is the narrator. Only the narrator may
// route the conversation to another persona; NPCs are switched away from by
// the narrator's routing tool or by the user.
package persona

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// Name identifies a persona. Names are lower-case and unique within a [Set].
type Name string

// User labels conversation turns spoken by the human player.
const User Name = "user"

// Persona is one conversational identity.
type Persona struct {
	// Name is the stable identifier used in routing calls and turn labels.
	Name Name

	// DisplayName is the human-readable name, e.g. "Thorin Ironforge".
	DisplayName string

	// Voice is the provider voice id. Empty for the narrator, which speaks
	// with the user's preferred voice.
	Voice string

	// CanRoute marks the narrator: the only persona offered the routing tool.
	CanRoute bool

	// Template is the text/template source of the persona's instructions.
	// It is executed with a [TemplateData] value.
	Template string

	tmpl *template.Template
}

// TemplateData is the value persona instruction templates are executed with.
type TemplateData struct {
	Character Character
	Persona   *Persona
	// NPCs lists the routable personas, in set order.
	NPCs []*Persona
}

var funcs = template.FuncMap{
	"mod":   Modifier,
	"upper": strings.ToUpper,
	"signed": func(n int) string {
		if n >= 0 {
			return fmt.Sprintf("+%d", n)
		}
		return fmt.Sprintf("%d", n)
	},
}

func (p *Persona) compile() error {
	t, err := template.New(string(p.Name)).Funcs(funcs).Option("missingkey=error").Parse(p.Template)
	if err != nil {
		return fmt.Errorf("persona: parse instructions for %q: %w", p.Name, err)
	}
	p.tmpl = t
	return nil
}

// ── Set ───────────────────────────────────────────────────────────────────────

// Set is an immutable, validated collection of personas. It is safe for
// concurrent use.
type Set struct {
	order    []*Persona
	byName   map[Name]*Persona
	narrator *Persona
	matcher  *Matcher
}

// NewSet validates personas and compiles their templates. Names are
// normalised to lower case. Exactly one persona must have CanRoute set.
func NewSet(personas []Persona) (*Set, error) {
	s := &Set{
		byName:  make(map[Name]*Persona, len(personas)),
		matcher: NewMatcher(),
	}
	var errs []error
	for i := range personas {
		p := personas[i]
		p.Name = Name(strings.ToLower(strings.TrimSpace(string(p.Name))))
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("persona[%d]: name is required", i))
			continue
		}
		if p.Name == User {
			errs = append(errs, fmt.Errorf("persona[%d]: name %q is reserved", i, User))
			continue
		}
		if _, dup := s.byName[p.Name]; dup {
			errs = append(errs, fmt.Errorf("persona[%d]: duplicate name %q", i, p.Name))
			continue
		}
		if p.DisplayName == "" {
			p.DisplayName = string(p.Name)
		}
		if err := p.compile(); err != nil {
			errs = append(errs, err)
			continue
		}
		if p.CanRoute {
			if s.narrator != nil {
				errs = append(errs, fmt.Errorf("persona[%d]: %q and %q are both narrators", i, s.narrator.Name, p.Name))
				continue
			}
		} else if p.Voice == "" {
			errs = append(errs, fmt.Errorf("persona[%d]: npc %q needs a fixed voice", i, p.Name))
			continue
		}
		pp := &p
		if pp.CanRoute {
			s.narrator = pp
		}
		s.order = append(s.order, pp)
		s.byName[pp.Name] = pp
	}
	if s.narrator == nil && len(errs) == 0 {
		errs = append(errs, errors.New("persona: set has no narrator"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Narrator returns the routing persona.
func (s *Set) Narrator() *Persona { return s.narrator }

// Get returns the persona with the given name.
func (s *Set) Get(n Name) (*Persona, bool) {
	p, ok := s.byName[n]
	return p, ok
}

// Names returns every persona name in set order.
func (s *Set) Names() []Name {
	out := make([]Name, len(s.order))
	for i, p := range s.order {
		out[i] = p.Name
	}
	return out
}

// NPCs returns the non-narrator personas in set order.
func (s *Set) NPCs() []*Persona {
	out := make([]*Persona, 0, len(s.order))
	for _, p := range s.order {
		if !p.CanRoute {
			out = append(out, p)
		}
	}
	return out
}

// Lookup matches name exactly, ignoring case and surrounding space. It is
// used for routing function calls, where the argument is drawn from a fixed
// enum and fuzzy matching would hide model errors.
func (s *Set) Lookup(name string) (Name, bool) {
	n := Name(strings.ToLower(strings.TrimSpace(name)))
	_, ok := s.byName[n]
	return n, ok
}

// Resolve maps free-form user input ("thorin", "Thorin Ironforge", "torin")
// to a persona name. It tries an exact name match, then display names, then
// phonetic similarity.
func (s *Set) Resolve(input string) (Name, bool) {
	if n, ok := s.Lookup(input); ok {
		return n, true
	}
	in := strings.TrimSpace(input)
	if in == "" {
		return "", false
	}
	for _, p := range s.order {
		if strings.EqualFold(p.DisplayName, in) {
			return p.Name, true
		}
	}

	candidates := make([]string, 0, len(s.order)*2)
	owner := make(map[string]Name, len(s.order)*2)
	for _, p := range s.order {
		for _, c := range []string{string(p.Name), p.DisplayName} {
			if _, seen := owner[c]; !seen {
				candidates = append(candidates, c)
				owner[c] = p.Name
			}
		}
	}
	if best, _, ok := s.matcher.Match(in, candidates); ok {
		return owner[best], true
	}
	return "", false
}

// VoiceFor returns the voice the persona speaks with: its fixed voice, or
// preferred for the narrator.
func (s *Set) VoiceFor(n Name, preferred string) string {
	p, ok := s.byName[n]
	if !ok || p.CanRoute || p.Voice == "" {
		return preferred
	}
	return p.Voice
}

// Instructions renders the instructions of persona n for character c.
func (s *Set) Instructions(n Name, c Character) (string, error) {
	p, ok := s.byName[n]
	if !ok {
		return "", fmt.Errorf("persona: unknown persona %q", n)
	}
	var b strings.Builder
	data := TemplateData{Character: c, Persona: p, NPCs: s.NPCs()}
	if err := p.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("persona: render instructions for %q: %w", n, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Contains reports whether n names a persona in the set.
func (s *Set) Contains(n Name) bool {
	_, ok := s.byName[n]
	return ok
}

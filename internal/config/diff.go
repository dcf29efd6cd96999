package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any provider setting of the voice session
	// changed. A connected session must reconnect to pick it up.
	SessionChanged bool

	CharacterChanged bool

	PersonasChanged bool
	PersonaChanges  []PersonaDiff // per-persona diffs

	// RestartRequired is true if a setting changed that is only read at
	// startup, such as listener addresses, audio devices or the store.
	RestartRequired bool
}

// PersonaDiff describes what changed for a single persona between two configs.
type PersonaDiff struct {
	Name                string
	DisplayNameChanged  bool
	VoiceChanged        bool
	InstructionsChanged bool
	NarratorChanged     bool
	Added               bool
	Removed             bool
}

func (d PersonaDiff) changed() bool {
	return d.DisplayNameChanged || d.VoiceChanged || d.InstructionsChanged || d.NarratorChanged
}

// NeedsReconnect reports whether a live session has to be re-established to
// apply d.
func (d ConfigDiff) NeedsReconnect() bool {
	return d.SessionChanged || d.CharacterChanged || d.PersonasChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !realtimeEqual(old.Realtime, new.Realtime) {
		d.SessionChanged = true
	}
	if old.Character != new.Character {
		d.CharacterChanged = true
	}

	if old.Server.MetricsAddr != new.Server.MetricsAddr ||
		old.Server.UIAddr != new.Server.UIAddr ||
		old.Audio.Backend != new.Audio.Backend ||
		old.Store != new.Store {
		d.RestartRequired = true
	}

	oldPersonas := make(map[string]*PersonaConfig, len(old.Personas))
	for i := range old.Personas {
		oldPersonas[old.Personas[i].Name] = &old.Personas[i]
	}
	newPersonas := make(map[string]*PersonaConfig, len(new.Personas))
	for i := range new.Personas {
		newPersonas[new.Personas[i].Name] = &new.Personas[i]
	}

	// Modified and removed personas, in old order.
	for _, p := range old.Personas {
		np, exists := newPersonas[p.Name]
		if !exists {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{Name: p.Name, Removed: true})
			d.PersonasChanged = true
			continue
		}
		if pd := diffPersona(oldPersonas[p.Name], np); pd.changed() {
			d.PersonaChanges = append(d.PersonaChanges, pd)
			d.PersonasChanged = true
		}
	}

	// Added personas, in new order.
	for _, p := range new.Personas {
		if _, exists := oldPersonas[p.Name]; !exists {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{Name: p.Name, Added: true})
			d.PersonasChanged = true
		}
	}

	return d
}

// realtimeEqual compares the fields of a session that need a reconnect.
func realtimeEqual(a, b RealtimeConfig) bool {
	return a.APIKey == b.APIKey &&
		a.Model == b.Model &&
		a.Voice == b.Voice &&
		a.SamplingTemperature() == b.SamplingTemperature() &&
		a.CredentialURL == b.CredentialURL &&
		a.SignalingURL == b.SignalingURL &&
		a.RelayURL == b.RelayURL &&
		a.ConnectTimeout == b.ConnectTimeout &&
		a.ConfigAckTimeout == b.ConfigAckTimeout &&
		slices.Equal(a.STUNServers, b.STUNServers)
}

// diffPersona compares two persona configs with the same name.
func diffPersona(old, new *PersonaConfig) PersonaDiff {
	return PersonaDiff{
		Name:                old.Name,
		DisplayNameChanged:  old.DisplayName != new.DisplayName,
		VoiceChanged:        old.Voice != new.Voice,
		InstructionsChanged: old.Instructions != new.Instructions,
		NarratorChanged:     old.Narrator != new.Narrator,
	}
}

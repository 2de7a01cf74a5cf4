// Package prefs holds the engine tunables as a typed preference map. A set
// of embedded defaults establishes every known key and its type; a user
// overlay file may change values but never introduce new keys or change a
// key's type.
package prefs

// Package component defines the lifecycle contract shared by the parts of a
// mesh process and an ordered registry that starts them in order and stops
// them in reverse.
package component

// Package app holds small flag.Value helpers shared by the command-line
// tools under cmd/.
package app

import "strings"

// StringArray is a flag.Value that accumulates every occurrence of a
// flag into a slice, so --nsqd-tcp-address can be given more than once
type StringArray []string

func (a *StringArray) String() string {
	return strings.Join(*a, ",")
}

// Set appends s to the array
func (a *StringArray) Set(s string) error {
	*a = append(*a, s)
	return nil
}

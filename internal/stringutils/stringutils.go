package stringutils

import "strings"

// IndentString prefixes each line of the string with indent.
func IndentString(str, indent string) string {
	spl := strings.SplitAfter(str, "\n")
	return strings.Join(append([]string{""}, spl...), indent)
}

// Truncate returns the first maxLen characters of str.
// If str was shortened, suffix is appended.
func Truncate(str string, maxLen int, suffix string) string {
	if maxLen < 0 {
		maxLen = 0
	}

	r := []rune(str)
	if len(r) <= maxLen {
		return str
	}

	return string(r[:maxLen]) + suffix
}

var lineBreakReplacer = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// SingleLine replaces line breaks in str with spaces.
func SingleLine(str string) string {
	return lineBreakReplacer.Replace(str)
}

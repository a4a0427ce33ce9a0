// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2026 Jared Redh. All rights reserved.

package app

import "strings"

type field struct {
	label  string
	value  string
	masked bool
}

// form is a stack of single-line text inputs with one focused field.
type form struct {
	fields []field
	focus  int
}

func newForm(fields []field) form {
	return form{fields: fields}
}

func (f form) with(fn func(*form)) form {
	cp := form{fields: append([]field(nil), f.fields...), focus: f.focus}
	fn(&cp)
	return cp
}

func (f form) typed(text string) form {
	return f.with(func(f *form) { f.fields[f.focus].value += text })
}

func (f form) backspace() form {
	return f.with(func(f *form) {
		v := []rune(f.fields[f.focus].value)
		if len(v) > 0 {
			f.fields[f.focus].value = string(v[:len(v)-1])
		}
	})
}

func (f form) next() form {
	return f.with(func(f *form) { f.focus = (f.focus + 1) % len(f.fields) })
}

func (f form) prev() form {
	return f.with(func(f *form) { f.focus = (f.focus + len(f.fields) - 1) % len(f.fields) })
}

func (f form) value(label string) string {
	for _, fl := range f.fields {
		if fl.label == label {
			return fl.value
		}
	}
	return ""
}

func (f form) render() string {
	var b strings.Builder
	for i, fl := range f.fields {
		v := fl.value
		if fl.masked {
			v = strings.Repeat("•", len([]rune(v)))
		}
		label := dimStyle.Render(padRight(fl.label+":", 10))
		if i == f.focus {
			label = promptStyle.Render(padRight(fl.label+":", 10))
			v += "█"
		}
		b.WriteString("  " + label + " " + v + "\n")
	}
	return b.String()
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

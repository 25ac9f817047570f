package util

import (
	"math/rand"
	"reflect"
	"strings"
	"time"
)

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyz")

func Randstring(n int) string {
	rand := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}

func StructMap(s any) map[string]any {
	out := map[string]any{}
	typ := reflect.TypeOf(s)
	struc := reflect.ValueOf(s)
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
		struc = struc.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		name := typ.Field(i).Name
		out[name] = struc.FieldByName(name).Interface()
	}
	return out
}

func LastNonEmptyLine(out []byte) string {
	lines := strings.Split(string(out), "\n")
	offset := 0
	for i := len(lines) - 1; i >= 0; i-- {
		if len(lines[i]) > 0 {
			offset = len(lines) - i
			break
		}
	}
	if offset == 0 {
		return ""
	}
	line := lines[len(lines)-offset]
	return line
}

// ShellQuote single-quotes s for a POSIX shell, escaping embedded quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

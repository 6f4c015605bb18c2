package main

import (
	"io"

	"github.com/bytedance/sonic"
)

func writeJSON(w io.Writer, v any) error {
	b, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

package main

import (
	"errors"
	"os"

	"github.com/bobuhiro11/gohv/flag"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := flag.Parse(); err != nil {
		var code flag.ExitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}

		logrus.Fatal(err)
	}
}

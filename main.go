package main

import (
	"github.com/Desco-devs/fleet-realtime/app"
)

func main() {
	a := app.New(nil, nil)
	a.Start()
}

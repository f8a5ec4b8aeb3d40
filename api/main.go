package main

import (
	"github.com/helixml/surfboard/api/cmd/surfboard"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	surfboard.Execute()
}

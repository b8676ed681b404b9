package main

import "packbot/internal/app"

func main() {
	app.Main()
}

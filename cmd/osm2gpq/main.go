package main

import "github.com/MeKo-Tech/osm2gpq/internal/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/ValentinKolb/ctxhub/cmd"

func main() {
	cmd.Execute()
}

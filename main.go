package main

import "github.com/andresmejia3/mugfer/cmd"

func main() {
	cmd.Execute()
}

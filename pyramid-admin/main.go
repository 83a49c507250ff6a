package main

import "github.com/nci/pyramid/pyramid-admin/cmd"

func main() {
	cmd.Execute()
}

package main

import "example.com/backstage/services/blog/cmd"

func main() {
	cmd.Execute()
}

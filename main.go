package main

import "example.com/backstage/services/powerwatch/cmd"

func main() {
	cmd.Execute()
}

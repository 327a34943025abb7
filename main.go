/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "logobot/cmd"

func main() {
	cmd.Execute()
}

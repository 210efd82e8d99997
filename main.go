// Command forumharvest runs the forum harvesting engine.
package main

import "forumharvest/cmd"

func main() {
	cmd.Execute()
}

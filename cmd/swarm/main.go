// Command swarm decomposes a software request into a task graph and executes
// it with a pool of AI agents under a budget.
package main

func main() {
	Execute()
}

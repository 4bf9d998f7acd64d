// Command dealdrip publishes discounted catalog products on a daily quota.
package main

import "dealdrip/cmd"

func main() {
	cmd.Execute()
}

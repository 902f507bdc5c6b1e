package main

import (
	"log"

	"proofpay/services/escrowd"
)

func main() {
	if err := escrowd.Main(); err != nil {
		log.Fatal(err)
	}
}

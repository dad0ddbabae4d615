package chimera_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"Chimera-Swarm/sdk/go/chimera"
)

func ExampleClient() {
	client, err := chimera.NewClient("http://127.0.0.1:8080", nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAccessToken("operator-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	receipt, err := client.SubmitGoal(ctx, "Launch viral campaign")
	if err != nil {
		log.Fatal(err)
	}
	if receipt.Blocked {
		fmt.Println("budget exhausted, goal not enqueued")
		return
	}
	for _, t := range receipt.Tasks {
		fmt.Println(t.ID, t.Context["instruction"])
	}

	budget, err := client.Budget(ctx, "agent-global", 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s spent %.2f of %.2f (%s)\n", budget.AgentID, budget.Spent, budget.Limit, budget.Status)
}

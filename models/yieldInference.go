package models

import "sort"

// TaskThroughput is the per-task total over a batch's piecework tickets.
type TaskThroughput struct {
	TaskName      string `json:"task_name"`
	TotalQuantity int64  `json:"total_quantity"`
	TicketCount   int    `json:"ticket_count"`
}

// InferTaskThroughput groups tickets by task name and sorts the groups by total
// quantity, largest first. Equal totals are ordered by task name so the result
// does not depend on ticket order.
func InferTaskThroughput(tickets []PieceworkTicket) []TaskThroughput {
	groups := map[string]*TaskThroughput{}
	for _, ticket := range tickets {
		g, ok := groups[ticket.TaskName]
		if !ok {
			g = &TaskThroughput{TaskName: ticket.TaskName}
			groups[ticket.TaskName] = g
		}
		g.TotalQuantity += ticket.Quantity
		g.TicketCount++
	}

	result := make([]TaskThroughput, 0, len(groups))
	for _, g := range groups {
		result = append(result, *g)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TotalQuantity != result[j].TotalQuantity {
			return result[i].TotalQuantity > result[j].TotalQuantity
		}
		return result[i].TaskName < result[j].TaskName
	})
	return result
}

// InferInputQuantity takes the busiest task's total as the raw-material throughput.
// Returns 0 when there are no tickets.
func InferInputQuantity(tickets []PieceworkTicket) int64 {
	groups := InferTaskThroughput(tickets)
	if len(groups) == 0 {
		return 0
	}
	return groups[0].TotalQuantity
}

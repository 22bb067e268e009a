package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

func dlqName(queue string) string { return queue + ".dlq" }

// declareTopology declares the job queue and its dead-letter queue. Both the
// API and the worker call it, so the arguments must stay identical.
func declareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(
		dlqName(queue),
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqName(queue),
		},
	)
	return err
}

package rabbitmq

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	headerAttempts   = "x-attempts"
	headerDeadReason = "x-dead-reason"
)

type queueNames struct {
	main  string
	delay string
	dead  string
}

func namesFor(exchange, topic string) queueNames {
	base := exchange + "." + topic
	return queueNames{main: base, delay: base + ".delay", dead: base + ".dead"}
}

// declare sets up the per-topic topology: the work queue bound to the
// exchange, a delay queue whose expired messages dead-letter back onto the
// work queue, and a parking queue for dead jobs.
func declare(ch *amqp.Channel, exchange, topic string) error {
	n := namesFor(exchange, topic)

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(n.main, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(n.main, topic, exchange, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(n.delay, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": topic,
	}); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(n.dead, true, false, false, false, nil)
	return err
}

// attemptsFrom reads the delivery count carried in the headers; the current
// delivery is included.
func attemptsFrom(h amqp.Table, redelivered bool) int {
	prior := 0
	switch v := h[headerAttempts].(type) {
	case int32:
		prior = int(v)
	case int64:
		prior = int(v)
	case int:
		prior = v
	case string:
		prior, _ = strconv.Atoi(v)
	}
	if redelivered {
		// broker redelivery after a lost consumer; count it
		prior++
	}
	return prior + 1
}

func expiration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}

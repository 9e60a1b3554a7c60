// Package transports registers every built-in transport with the default
// registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/phaseflow/transport/aws"
	_ "github.com/drblury/phaseflow/transport/channel"
	_ "github.com/drblury/phaseflow/transport/http"
	_ "github.com/drblury/phaseflow/transport/io"
	_ "github.com/drblury/phaseflow/transport/kafka"
	_ "github.com/drblury/phaseflow/transport/nats"
	_ "github.com/drblury/phaseflow/transport/rabbitmq"
)

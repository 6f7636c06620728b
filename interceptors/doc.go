// Package interceptors wraps delivery handlers with cross-cutting behavior.
//
// An InterceptorChain is built once and applied to the consumer handler:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Add(interceptors.NewTimeoutInterceptor(5 * time.Second))
//	consumer := rabbitmq.NewConsumer(rabbitmq.WithHandler(chain.Then(handle)))
//
// Interceptors run in the order they were added. An error returned anywhere
// in the chain is logged by the consumer, which still acknowledges the
// delivery.
package interceptors

package desugar

import (
	"sync"

	"github.com/tangzhangming/nova/internal/graph"
)

// ============================================================================
// 事件
// ============================================================================

// EventConsumer 脱糖事件的外部消费者
type EventConsumer interface {
	AcceptLambdaClass(class *graph.Class, context *graph.ProgramMethod)
	AcceptBackportClass(class *graph.Class, context *graph.ProgramMethod)
	AcceptTwrCloseResourceClass(class *graph.Class, context *graph.ProgramMethod)
	AcceptNestBridge(bridge *graph.Method, context *graph.ProgramMethod)
	AcceptAPIConversionCallback(callback *graph.ProgramMethod)
}

// EventKind 缓冲事件的类别
type EventKind int

const (
	LambdaClassEvent EventKind = iota
	BackportClassEvent
	TwrCloseResourceClassEvent
	NestBridgeEvent
	APIConversionCallbackEvent
)

// Event 一条缓冲的事件
type Event struct {
	Kind     EventKind
	Class    *graph.Class
	Method   *graph.Method
	Callback *graph.ProgramMethod
	Context  *graph.ProgramMethod
}

// EventBuffer 缓冲一个方法产生的事件，方法处理完成后再交给真正的消费者
type EventBuffer struct {
	events []Event
}

// NewEventBuffer 创建事件缓冲
func NewEventBuffer() *EventBuffer {
	return &EventBuffer{}
}

func (b *EventBuffer) AcceptLambdaClass(class *graph.Class, context *graph.ProgramMethod) {
	b.events = append(b.events, Event{Kind: LambdaClassEvent, Class: class, Context: context})
}

func (b *EventBuffer) AcceptBackportClass(class *graph.Class, context *graph.ProgramMethod) {
	b.events = append(b.events, Event{Kind: BackportClassEvent, Class: class, Context: context})
}

func (b *EventBuffer) AcceptTwrCloseResourceClass(class *graph.Class, context *graph.ProgramMethod) {
	b.events = append(b.events, Event{Kind: TwrCloseResourceClassEvent, Class: class, Context: context})
}

func (b *EventBuffer) AcceptNestBridge(bridge *graph.Method, context *graph.ProgramMethod) {
	b.events = append(b.events, Event{Kind: NestBridgeEvent, Method: bridge, Context: context})
}

func (b *EventBuffer) AcceptAPIConversionCallback(callback *graph.ProgramMethod) {
	b.events = append(b.events, Event{Kind: APIConversionCallbackEvent, Callback: callback})
}

// Events 已缓冲的事件
func (b *EventBuffer) Events() []Event { return b.events }

// Len 事件数
func (b *EventBuffer) Len() int { return len(b.events) }

// Flush 按产生顺序交给 consumer 并清空
func (b *EventBuffer) Flush(consumer EventConsumer) {
	for _, e := range b.events {
		switch e.Kind {
		case LambdaClassEvent:
			consumer.AcceptLambdaClass(e.Class, e.Context)
		case BackportClassEvent:
			consumer.AcceptBackportClass(e.Class, e.Context)
		case TwrCloseResourceClassEvent:
			consumer.AcceptTwrCloseResourceClass(e.Class, e.Context)
		case NestBridgeEvent:
			consumer.AcceptNestBridge(e.Method, e.Context)
		case APIConversionCallbackEvent:
			consumer.AcceptAPIConversionCallback(e.Callback)
		}
	}
	b.events = nil
}

// ============================================================================
// 合成类登记
// ============================================================================

// SyntheticsEventConsumer 把事件中的合成类登记为待提交，并转发给下游消费者
// 多个工作者可以同时刷新各自的缓冲
type SyntheticsEventConsumer struct {
	synthetics *graph.SyntheticItems
	downstream EventConsumer

	mu     sync.Mutex
	counts map[EventKind]int
}

// NewSyntheticsEventConsumer 创建登记器，downstream 可以为 nil
func NewSyntheticsEventConsumer(synthetics *graph.SyntheticItems, downstream EventConsumer) *SyntheticsEventConsumer {
	return &SyntheticsEventConsumer{synthetics: synthetics, downstream: downstream, counts: make(map[EventKind]int)}
}

func (c *SyntheticsEventConsumer) count(kind EventKind) {
	c.mu.Lock()
	c.counts[kind]++
	c.mu.Unlock()
}

// Count 某类事件的数量
func (c *SyntheticsEventConsumer) Count(kind EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

func (c *SyntheticsEventConsumer) AcceptLambdaClass(class *graph.Class, context *graph.ProgramMethod) {
	c.synthetics.AddPending(graph.SyntheticLambda, class)
	c.count(LambdaClassEvent)
	if c.downstream != nil {
		c.downstream.AcceptLambdaClass(class, context)
	}
}

func (c *SyntheticsEventConsumer) AcceptBackportClass(class *graph.Class, context *graph.ProgramMethod) {
	c.synthetics.AddPending(graph.SyntheticBackport, class)
	c.count(BackportClassEvent)
	if c.downstream != nil {
		c.downstream.AcceptBackportClass(class, context)
	}
}

func (c *SyntheticsEventConsumer) AcceptTwrCloseResourceClass(class *graph.Class, context *graph.ProgramMethod) {
	c.synthetics.AddPending(graph.SyntheticTwrHelper, class)
	c.count(TwrCloseResourceClassEvent)
	if c.downstream != nil {
		c.downstream.AcceptTwrCloseResourceClass(class, context)
	}
}

func (c *SyntheticsEventConsumer) AcceptNestBridge(bridge *graph.Method, context *graph.ProgramMethod) {
	c.count(NestBridgeEvent)
	if c.downstream != nil {
		c.downstream.AcceptNestBridge(bridge, context)
	}
}

func (c *SyntheticsEventConsumer) AcceptAPIConversionCallback(callback *graph.ProgramMethod) {
	c.count(APIConversionCallbackEvent)
	if c.downstream != nil {
		c.downstream.AcceptAPIConversionCallback(callback)
	}
}

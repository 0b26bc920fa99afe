package contracts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/domain"
)

type widgetV1 struct {
	Name string `json:"name"`
}

func (widgetV1) EventType() string  { return "Widget" }
func (widgetV1) SchemaVersion() int { return 1 }

type widgetV2 struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

func (widgetV2) EventType() string  { return "Widget" }
func (widgetV2) SchemaVersion() int { return 2 }

type widgetV3 struct {
	Name  string `json:"name"`
	Size  int    `json:"size"`
	Color string `json:"color"`
}

func (widgetV3) EventType() string  { return "Widget" }
func (widgetV3) SchemaVersion() int { return 3 }

type widgetEvent struct{ h domain.Header }

func (e widgetEvent) Header() domain.Header { return e.h }
func (e widgetEvent) EventName() string     { return "WidgetEvent" }

func widgetCodec[C Contract](build func(domain.Event) C) Codec {
	return JSONCodec(
		func(e domain.Event) (C, error) { return build(e), nil },
		func(C) (domain.Event, error) { return widgetEvent{}, nil },
	)
}

func newWidgetRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.RegisterContract("Widget", 1, widgetCodec(func(domain.Event) widgetV1 { return widgetV1{Name: "w"} })))
	require.NoError(t, r.RegisterContract("Widget", 2, widgetCodec(func(domain.Event) widgetV2 { return widgetV2{Name: "w", Size: 1} })))
	require.NoError(t, r.RegisterContract("Widget", 3, widgetCodec(func(domain.Event) widgetV3 { return widgetV3{Name: "w", Size: 1, Color: "red"} })))
	require.NoError(t, r.RegisterConverter("Widget", 1, 2, func(_ context.Context, c Contract) (Contract, error) {
		v := c.(widgetV1)
		return widgetV2{Name: v.Name, Size: 1}, nil
	}))
	require.NoError(t, r.RegisterConverter("Widget", 2, 3, func(_ context.Context, c Contract) (Contract, error) {
		v := c.(widgetV2)
		return widgetV3{Name: v.Name, Size: v.Size, Color: "red"}, nil
	}))
	require.NoError(t, r.RegisterConverter("Widget", 3, 2, func(_ context.Context, c Contract) (Contract, error) {
		v := c.(widgetV3)
		return widgetV2{Name: v.Name, Size: v.Size}, nil
	}))
	return r
}

func TestUpgradeToLatestChainsSteps(t *testing.T) {
	r := newWidgetRegistry(t)
	require.NoError(t, r.Seal())

	latest, err := r.LatestVersion("Widget")
	require.NoError(t, err)
	require.Equal(t, 3, latest)

	out, err := r.UpgradeToLatest(context.Background(), widgetV1{Name: "gear"})
	require.NoError(t, err)
	require.Equal(t, widgetV3{Name: "gear", Size: 1, Color: "red"}, out)
}

func TestConvertDownReportsMissingStep(t *testing.T) {
	r := newWidgetRegistry(t)

	out, err := r.Convert(context.Background(), widgetV3{Name: "gear", Size: 4, Color: "blue"}, 2)
	require.NoError(t, err)
	require.Equal(t, widgetV2{Name: "gear", Size: 4}, out)

	_, err = r.Convert(context.Background(), widgetV3{Name: "gear"}, 1)
	var nce *NoConverterError
	require.ErrorAs(t, err, &nce)
	require.Equal(t, 2, nce.From)
	require.Equal(t, 1, nce.To)
}

func TestRegistryLookupErrors(t *testing.T) {
	r := newWidgetRegistry(t)

	_, err := r.LatestVersion("Gadget")
	require.ErrorIs(t, err, ErrUnregisteredEventType)

	_, err = r.Decode("Widget", 9, []byte(`{}`))
	require.ErrorIs(t, err, ErrUnsupportedSchemaVersion)

	c, err := r.Decode("Widget", 2, []byte(`{"name":"gear","size":7}`))
	require.NoError(t, err)
	require.Equal(t, widgetV2{Name: "gear", Size: 7}, c)
}

func TestRegisterRejectsNonAdjacentAndDuplicates(t *testing.T) {
	r := newWidgetRegistry(t)
	noop := func(_ context.Context, c Contract) (Contract, error) { return c, nil }

	require.Error(t, r.RegisterConverter("Widget", 1, 3, noop))
	err := r.RegisterConverter("Widget", 1, 2, noop)
	require.ErrorIs(t, err, ErrDuplicateRegistration)
}

func TestSealFreezesRegistry(t *testing.T) {
	r := newWidgetRegistry(t)
	require.NoError(t, r.Seal())

	err := r.RegisterContract("Gadget", 1, widgetCodec(func(domain.Event) widgetV1 { return widgetV1{} }))
	require.True(t, errors.Is(err, ErrRegistrySealed))
}

func TestSealRequiresContiguousVersions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterContract("Widget", 2, widgetCodec(func(domain.Event) widgetV2 { return widgetV2{} })))
	require.Error(t, r.Seal())
}

func TestToContractChecksCodecOutput(t *testing.T) {
	r := NewRegistry()
	// v2 slot deliberately wired to a v1 builder.
	require.NoError(t, r.RegisterContract("Widget", 1, widgetCodec(func(domain.Event) widgetV1 { return widgetV1{} })))
	require.NoError(t, r.RegisterContract("Widget", 2, widgetCodec(func(domain.Event) widgetV1 { return widgetV1{} })))

	h, err := domain.NewHeader("Widget", "w-1", 1, time.Now(), "", "")
	require.NoError(t, err)

	_, err = r.ToContract(widgetEvent{h: h}, 2)
	require.ErrorIs(t, err, ErrUnsupportedSchemaVersion)
	_, err = r.ToContract(widgetEvent{h: h}, 1)
	require.NoError(t, err)
}

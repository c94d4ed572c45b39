package metadiff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providers"
)

type recordingDeleter struct {
	mu      sync.Mutex
	calls   []media.AssetRef
	outcome bool
}

func (d *recordingDeleter) Delete(_ context.Context, provider media.Provider, videoID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, media.AssetRef{Provider: provider, VideoID: videoID})
	return d.outcome
}

type staticChildren struct {
	nodes []Node
	err   error
}

func (c staticChildren) Children(context.Context, media.EntityRef) ([]Node, error) {
	return c.nodes, c.err
}

func metaWith(t *testing.T, preview *media.Preview) media.Metadata {
	t.Helper()
	meta := media.Metadata{"title": []byte(`"hello"`)}
	if preview == nil {
		return meta
	}
	out, err := media.WithPreview(meta, *preview)
	if err != nil {
		t.Fatalf("failed to encode preview: %v", err)
	}
	return out
}

func video(provider media.Provider, id string) *media.Preview {
	return &media.Preview{Provider: provider, VideoID: id, Status: media.StatusPending}
}

func newTestDetector(t *testing.T, deleter AssetDeleter, children ChildLister) *Detector {
	t.Helper()
	detector, err := NewDetector(DetectorConfig{
		Deleter:     deleter,
		Children:    children,
		OperationID: func() string { return "op-test" },
	})
	if err != nil {
		t.Fatalf("failed to build detector: %v", err)
	}
	return detector
}

func TestClassify(t *testing.T) {
	replacement := video(media.ProviderBunny, "new")
	replacement.ReplacesVideoID = "old"
	wrongProvider := video(media.ProviderBunny, "new")
	wrongProvider.ReplacesVideoID = "old"
	wrongProvider.ReplacesProvider = media.ProviderBunny

	testCases := []struct {
		name       string
		old        *media.Preview
		new        *media.Preview
		wantChange Change
		wantDelete string
	}{
		{name: "no video", wantChange: ChangeNone},
		{name: "added", new: video(media.ProviderBunny, "v1"), wantChange: ChangeAdded},
		{name: "removed", old: video(media.ProviderBunny, "v1"), wantChange: ChangeRemoved, wantDelete: "v1"},
		{name: "unchanged", old: video(media.ProviderBunny, "v1"), new: video(media.ProviderBunny, "v1"), wantChange: ChangeNone},
		{name: "replaced without marker", old: video(media.ProviderCloudflare, "old"), new: video(media.ProviderBunny, "new"), wantChange: ChangeReplaced},
		{name: "replaced with marker", old: video(media.ProviderCloudflare, "old"), new: replacement, wantChange: ChangeReplaced, wantDelete: "old"},
		{name: "marker names other provider", old: video(media.ProviderCloudflare, "old"), new: wrongProvider, wantChange: ChangeReplaced},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			decision := Classify(metaWith(t, testCase.old), metaWith(t, testCase.new))
			if decision.Change != testCase.wantChange {
				t.Fatalf("expected %s, got %s", testCase.wantChange, decision.Change)
			}
			switch {
			case testCase.wantDelete == "" && decision.Delete != nil:
				t.Fatalf("expected no delete target, got %+v", decision.Delete)
			case testCase.wantDelete != "" && (decision.Delete == nil || decision.Delete.VideoID != testCase.wantDelete):
				t.Fatalf("expected delete target %s, got %+v", testCase.wantDelete, decision.Delete)
			}
		})
	}
}

func TestClassifyIgnoresUndecodablePreview(t *testing.T) {
	old := metaWith(t, video(media.ProviderBunny, "v1"))
	broken := media.Metadata{media.MetadataKey: []byte(`"not an object"`)}
	if decision := Classify(old, broken); decision.Change != ChangeNone || decision.Delete != nil {
		t.Fatalf("expected undecodable preview to be ignored, got %+v", decision)
	}
}

func TestAfterUpdateDeletesExactlyAsClassified(t *testing.T) {
	ref := media.EntityRef{Type: media.EntityPost, ID: "42"}
	replacement := video(media.ProviderBunny, "new")
	replacement.ReplacesVideoID = "old"

	testCases := []struct {
		name      string
		old       *media.Preview
		new       *media.Preview
		wantCalls int
	}{
		{name: "removed", old: video(media.ProviderBunny, "old"), wantCalls: 1},
		{name: "replaced without marker", old: video(media.ProviderBunny, "old"), new: video(media.ProviderBunny, "new"), wantCalls: 0},
		{name: "replaced with marker", old: video(media.ProviderBunny, "old"), new: replacement, wantCalls: 1},
		{name: "added", new: video(media.ProviderBunny, "new"), wantCalls: 0},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			deleter := &recordingDeleter{outcome: true}
			detector := newTestDetector(t, deleter, nil)
			snapshot := detector.BeforeUpdate(ref, metaWith(t, testCase.old))
			detector.AfterUpdate(context.Background(), ref, snapshot, metaWith(t, testCase.new))
			if len(deleter.calls) != testCase.wantCalls {
				t.Fatalf("expected %d deletions, got %d", testCase.wantCalls, len(deleter.calls))
			}
			if testCase.wantCalls == 1 && deleter.calls[0].VideoID != "old" {
				t.Fatalf("expected old asset to be deleted, got %+v", deleter.calls[0])
			}
		})
	}
}

func TestAfterUpdateWithoutMatchingSnapshotFailsOpen(t *testing.T) {
	deleter := &recordingDeleter{outcome: true}
	detector := newTestDetector(t, deleter, nil)
	ref := media.EntityRef{Type: media.EntityComment, ID: "7"}

	decision := detector.AfterUpdate(context.Background(), ref, Snapshot{}, metaWith(t, nil))
	if decision.Change != ChangeNone {
		t.Fatalf("expected no action without snapshot, got %s", decision.Change)
	}
	other := detector.BeforeUpdate(media.EntityRef{Type: media.EntityComment, ID: "8"}, metaWith(t, video(media.ProviderBunny, "v")))
	detector.AfterUpdate(context.Background(), ref, other, metaWith(t, nil))
	if len(deleter.calls) != 0 {
		t.Fatalf("expected no deletions for mismatched snapshot, got %d", len(deleter.calls))
	}
}

func TestBufferConsumesOnRead(t *testing.T) {
	buffer := NewBuffer()
	ref := media.EntityRef{Type: media.EntityPost, ID: "1"}
	buffer.Put(TakeSnapshot(ref, metaWith(t, video(media.ProviderBunny, "v1"))))
	buffer.Put(Snapshot{})

	snapshot, ok := buffer.Consume(ref)
	if !ok {
		t.Fatalf("expected snapshot")
	}
	if asset, present := snapshot.Asset(); !present || asset.VideoID != "v1" {
		t.Fatalf("unexpected snapshot asset %+v", asset)
	}
	if _, ok := buffer.Consume(ref); ok {
		t.Fatalf("expected snapshot to be consumed")
	}
	if buffer.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d", buffer.Len())
	}
}

func TestBeforeDeleteCascadesAndDeduplicates(t *testing.T) {
	post := media.EntityRef{Type: media.EntityPost, ID: "p1"}
	children := staticChildren{nodes: []Node{
		{Ref: media.EntityRef{Type: media.EntityComment, ID: "c1"}, Meta: metaWith(t, video(media.ProviderBunny, "shared"))},
		{Ref: media.EntityRef{Type: media.EntityComment, ID: "c2"}, Meta: metaWith(t, video(media.ProviderBunny, "shared"))},
		{Ref: media.EntityRef{Type: media.EntityComment, ID: "c3"}, Meta: metaWith(t, video(media.ProviderCloudflare, "solo"))},
	}}
	deleter := &recordingDeleter{outcome: true}
	detector := newTestDetector(t, deleter, children)

	result := detector.BeforeDelete(context.Background(), post, metaWith(t, nil))
	if len(deleter.calls) != 2 {
		t.Fatalf("expected 2 deletions, got %d (%+v)", len(deleter.calls), deleter.calls)
	}
	if result.OperationID != "op-test" || result.Deleted != 2 || len(result.Attempted) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestBeforeDeleteContinuesWhenChildrenUnavailable(t *testing.T) {
	post := media.EntityRef{Type: media.EntityPost, ID: "p1"}
	deleter := &recordingDeleter{outcome: false}
	detector := newTestDetector(t, deleter, staticChildren{err: errors.New("db down")})

	result := detector.BeforeDelete(context.Background(), post, metaWith(t, video(media.ProviderBunny, "own")))
	if len(deleter.calls) != 1 || result.Deleted != 0 {
		t.Fatalf("expected the post's own asset to be attempted, got %+v", result)
	}
}

type fakeGateway struct {
	err error
}

func (g fakeGateway) Provider() media.Provider { return media.ProviderBunny }

func (g fakeGateway) GetVideo(context.Context, string) (media.Descriptor, error) {
	return media.Descriptor{}, nil
}

func (g fakeGateway) DeleteVideo(context.Context, string) error { return g.err }

func (g fakeGateway) ListCollections(context.Context) ([]providers.Collection, error) {
	return nil, nil
}

type fakeResolver struct {
	gateway providers.Gateway
	err     error
}

func (r fakeResolver) Gateway(context.Context, media.Provider) (providers.Gateway, error) {
	return r.gateway, r.err
}

type outcomeCounter struct {
	outcomes []string
}

func (o *outcomeCounter) ObserveDeletion(provider, outcome string) {
	o.outcomes = append(o.outcomes, provider+"/"+outcome)
}

func TestGatewayDeleterAppliesPolicy(t *testing.T) {
	testCases := []struct {
		name     string
		resolver fakeResolver
		want     bool
		outcome  string
	}{
		{name: "deleted", resolver: fakeResolver{gateway: fakeGateway{}}, want: true, outcome: OutcomeDeleted},
		{name: "not found", resolver: fakeResolver{gateway: fakeGateway{err: fmt.Errorf("wrapped: %w", providers.ErrNotFound)}}, want: true, outcome: OutcomeAlreadyGone},
		{name: "transient", resolver: fakeResolver{gateway: fakeGateway{err: &providers.TransientError{Provider: media.ProviderBunny, StatusCode: 503}}}, want: false, outcome: OutcomeTransient},
		{name: "config", resolver: fakeResolver{gateway: fakeGateway{err: &providers.ConfigError{Provider: media.ProviderBunny, Reason: "bad key"}}}, want: false, outcome: OutcomeConfig},
		{name: "unconfigured", resolver: fakeResolver{err: &providers.ConfigError{Provider: media.ProviderBunny, Reason: "disabled"}}, want: false, outcome: OutcomeUnconfigured},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			observer := &outcomeCounter{}
			deleter := NewGatewayDeleter(testCase.resolver, observer, nil)
			if got := deleter.Delete(context.Background(), media.ProviderBunny, "vid"); got != testCase.want {
				t.Fatalf("expected %v, got %v", testCase.want, got)
			}
			if len(observer.outcomes) != 1 || observer.outcomes[0] != "bunny/"+testCase.outcome {
				t.Fatalf("unexpected outcomes %v", observer.outcomes)
			}
		})
	}
}

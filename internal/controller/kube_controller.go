package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"
	apiv1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	cliv1 "k8s.io/client-go/kubernetes/typed/apps/v1"
	"k8s.io/client-go/rest"
)

const DefaultAnnotation = "backpressure/max-rate"

// KubeController publishes rates as an annotation on the deployment running
// the stream receivers, which read it back to throttle ingestion.
type KubeController struct {
	client     cliv1.DeploymentInterface
	deployment string
	annotation string
	logger     *zap.Logger
	published  string
}

type KubeOption func(*KubeController)

func WithAnnotation(annotation string) KubeOption {
	return func(k *KubeController) {
		k.annotation = annotation
	}
}

func WithKubeLogger(logger *zap.Logger) KubeOption {
	return func(k *KubeController) {
		k.logger = logger
	}
}

// NewKubeController creates a controller using the in-cluster configuration.
func NewKubeController(namespace, deployment string, options ...KubeOption) (*KubeController, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}

	return NewKubeControllerForClient(clientset, namespace, deployment, options...)
}

func NewKubeControllerForClient(
	clientset kubernetes.Interface, namespace, deployment string, options ...KubeOption,
) (*KubeController, error) {
	if namespace == "" {
		namespace = apiv1.NamespaceDefault
	}

	controller := &KubeController{
		client:     clientset.AppsV1().Deployments(namespace),
		deployment: deployment,
		annotation: DefaultAnnotation,
		logger:     zap.NewNop(),
	}

	for _, option := range options {
		option(controller)
	}

	deploy, err := controller.client.Get(context.Background(), deployment, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("cannot find deployment '%s': %w", deployment, err)
	}
	controller.published = deploy.Annotations[controller.annotation]

	controller.logger.Info("initial controller state",
		zap.String("deployment", deployment),
		zap.String("annotation", controller.annotation),
		zap.String("value", controller.published))

	return controller, nil
}

func (k *KubeController) Publish(rate float64) error {
	value := strconv.FormatInt(int64(math.Ceil(rate)), 10)
	if value == k.published {
		return nil
	}

	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]string{k.annotation: value},
		},
	})
	if err != nil {
		return err
	}

	_, err = k.client.Patch(context.Background(),
		k.deployment, types.StrategicMergePatchType,
		patch, metav1.PatchOptions{})
	if err != nil {
		return err
	}

	k.logger.Info("changed max rate",
		zap.String("deployment", k.deployment),
		zap.String("from", k.published),
		zap.String("to", value))
	k.published = value

	return nil
}
